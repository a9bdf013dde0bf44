// internal/model/models_test.go
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	mergedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		state    string
		mergedAt *time.Time
		want     PRStatus
	}{
		{"open pr", "open", nil, PRStatusOpen},
		{"closed without merge", "closed", nil, PRStatusClosed},
		{"merge timestamp wins over closed state", "closed", &mergedAt, PRStatusMerged},
		{"merge timestamp wins over open state", "open", &mergedAt, PRStatusMerged},
		{"unknown state defaults to open", "weird", nil, PRStatusOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.state, tt.mergedAt))
		})
	}
}
