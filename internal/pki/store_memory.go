package pki

import (
	"context"
	"sync"

	"aura/internal/errs"
	"aura/internal/models"
)

type memoryStore struct {
	mu     sync.Mutex
	cas    map[string]*models.CA
	certs  []models.Certificate
	nextID uint
}

func NewMemoryStore() Store {
	return &memoryStore{cas: make(map[string]*models.CA)}
}

func (m *memoryStore) GetOrCreateCA(_ context.Context, name string, create func() (*models.CA, error)) (*models.CA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ca, ok := m.cas[name]; ok {
		c := *ca
		return &c, nil
	}
	ca, err := create()
	if err != nil {
		return nil, err
	}
	m.nextID++
	ca.ID = m.nextID
	c := *ca
	m.cas[name] = &c
	return ca, nil
}

func (m *memoryStore) SaveCert(_ context.Context, c *models.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.certs = append(m.certs, *c)
	return nil
}

func (m *memoryStore) CertForDevice(_ context.Context, deviceID string) (*models.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.certs) - 1; i >= 0; i-- {
		if m.certs[i].DeviceID == deviceID {
			c := m.certs[i]
			return &c, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "no certificate for device %s", deviceID)
}
