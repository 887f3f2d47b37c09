// Package pki — корневой CA и клиентские сертификаты устройств (mTLS к брокеру).
package pki

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"aura/internal/models"
)

// Store — хранилище CA и выпущенных сертификатов. gorm: repo.PKIStore.
type Store interface {
	GetOrCreateCA(ctx context.Context, name string, create func() (*models.CA, error)) (*models.CA, error)
	SaveCert(ctx context.Context, c *models.Certificate) error
	// CertForDevice — последний выпущенный сертификат устройства (errs.NotFound, если нет).
	CertForDevice(ctx context.Context, deviceID string) (*models.Certificate, error)
}

type Service struct {
	Store Store
	Now   func() time.Time
}

func New(store Store) *Service { return &Service{Store: store, Now: time.Now} }

func (s *Service) EnsureRootCA(ctx context.Context, name string, ttl time.Duration) (*models.CA, error) {
	return s.Store.GetOrCreateCA(ctx, name, func() (*models.CA, error) {
		nb, na := s.Now().Add(-time.Hour), s.Now().Add(ttl)
		sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate CA key: %w", err)
		}
		serial, err := newSerial()
		if err != nil {
			return nil, err
		}
		tpl := &x509.Certificate{
			SerialNumber: serial,
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    nb, NotAfter: na,
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true, IsCA: true, MaxPathLenZero: true,
		}
		der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &sk.PublicKey, sk)
		if err != nil {
			return nil, fmt.Errorf("self-sign CA: %w", err)
		}
		certPEM, keyPEM, err := encode(der, sk)
		if err != nil {
			return nil, err
		}
		return &models.CA{Name: name, CertPEM: certPEM, KeyPEM: keyPEM, NotBefore: nb, NotAfter: na}, nil
	})
}

// IssueDeviceCert выпускает клиентский сертификат с CN = cn и сохраняет его.
func (s *Service) IssueDeviceCert(ctx context.Context, ca *models.CA, cn string, ttl time.Duration, deviceID string) (*models.Certificate, error) {
	parent, cakey, err := parseCA(ca)
	if err != nil {
		return nil, err
	}
	nb, na := s.Now().Add(-time.Hour), s.Now().Add(ttl)
	if na.After(parent.NotAfter) {
		na = parent.NotAfter
	}
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    nb, NotAfter: na,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, parent, &sk.PublicKey, cakey)
	if err != nil {
		return nil, fmt.Errorf("sign device cert: %w", err)
	}
	certPEM, keyPEM, err := encode(der, sk)
	if err != nil {
		return nil, err
	}
	c := &models.Certificate{
		CAID:      ca.ID,
		DeviceID:  deviceID,
		Serial:    serial.Text(16),
		CN:        cn,
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		NotBefore: nb,
		NotAfter:  na,
	}
	return c, s.Store.SaveCert(ctx, c)
}

// Verify проверяет, что сертификат подписан CA и годен на момент now.
func Verify(ca *models.CA, certPEM []byte, now time.Time) error {
	parent, _, err := parseCA(ca)
	if err != nil {
		return err
	}
	b, _ := pem.Decode(certPEM)
	if b == nil {
		return errors.New("certificate: bad PEM")
	}
	cert, err := x509.ParseCertificate(b.Bytes)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	pool.AddCert(parent)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

func parseCA(ca *models.CA) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	pb, _ := pem.Decode(ca.CertPEM)
	if pb == nil {
		return nil, nil, errors.New("CA certificate: bad PEM")
	}
	parent, err := x509.ParseCertificate(pb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("CA certificate: %w", err)
	}
	kb, _ := pem.Decode(ca.KeyPEM)
	if kb == nil {
		return nil, nil, errors.New("CA key: bad PEM")
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("CA key: %w", err)
	}
	return parent, key, nil
}

func encode(der []byte, sk *ecdsa.PrivateKey) ([]byte, []byte, error) {
	var certPEM, keyPEM bytes.Buffer
	if err := pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, nil, err
	}
	derKey, err := x509.MarshalECPrivateKey(sk)
	if err != nil {
		return nil, nil, err
	}
	if err := pem.Encode(&keyPEM, &pem.Block{Type: "EC PRIVATE KEY", Bytes: derKey}); err != nil {
		return nil, nil, err
	}
	return certPEM.Bytes(), keyPEM.Bytes(), nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}
	return serial, nil
}
