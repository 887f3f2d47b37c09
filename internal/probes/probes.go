// Package probes — liveness/readiness для оркестратора.
package probes

import (
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Check — одна проверка готовности; nil — готово.
type Check func() error

// RegisterRoutes — базовый liveness.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
}

// RegisterRoutesWithChecks — liveness + readiness по списку проверок.
func RegisterRoutesWithChecks(r *mux.Router, checks map[string]Check) {
	RegisterRoutes(r)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		for name, check := range checks {
			if err := check(); err != nil {
				http.Error(w, name+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
}

// DBCheck пингует БД; nil db — in-memory режим, всегда готов.
func DBCheck(db *gorm.DB) Check {
	return func() error {
		if db == nil {
			return nil
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Ping()
	}
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
