// Package directory answers the lifecycle's questions about properties and
// users. Property and user CRUD live elsewhere; this is a read model.
package directory

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPropertyNotFound = errors.New("property not found")
	ErrNoPaymentProfile = errors.New("no payment profile on file")
)

// Directory resolves ownership and roles.
type Directory interface {
	// HunterForProperty returns the hunter who owns propertyID. Tombstoned
	// properties return ErrPropertyNotFound.
	HunterForProperty(ctx context.Context, propertyID string) (string, error)
	IsAdjudicator(ctx context.Context, actorID string) (bool, error)
	// DisplayName returns the actor's public name, or the id itself when
	// no profile exists.
	DisplayName(ctx context.Context, actorID string) (string, error)
}

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	mu           sync.RWMutex
	properties   map[string]property
	adjudicators map[string]bool
	profiles     map[string][2]string
	names        map[string]string
}

type property struct {
	hunterID  string
	deletedAt *time.Time
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		properties:   make(map[string]property),
		adjudicators: make(map[string]bool),
		profiles:     make(map[string][2]string),
		names:        make(map[string]string),
	}
}

// AddProperty registers propertyID as owned by hunterID.
func (d *MemoryDirectory) AddProperty(propertyID, hunterID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties[propertyID] = property{hunterID: hunterID}
}

// TombstoneProperty marks a property deleted without removing it.
func (d *MemoryDirectory) TombstoneProperty(propertyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.properties[propertyID]; ok {
		now := time.Now()
		p.deletedAt = &now
		d.properties[propertyID] = p
	}
}

// AddAdjudicator grants the adjudicator role.
func (d *MemoryDirectory) AddAdjudicator(actorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adjudicators[actorID] = true
}

// SetDisplayName sets the public name for actorID.
func (d *MemoryDirectory) SetDisplayName(actorID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[actorID] = name
}

// SetPaymentProfile records the Stripe customer and payment method for payerID.
func (d *MemoryDirectory) SetPaymentProfile(payerID, customerID, paymentMethodID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[payerID] = [2]string{customerID, paymentMethodID}
}

func (d *MemoryDirectory) HunterForProperty(_ context.Context, propertyID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.properties[propertyID]
	if !ok || p.deletedAt != nil {
		return "", ErrPropertyNotFound
	}
	return p.hunterID, nil
}

func (d *MemoryDirectory) IsAdjudicator(_ context.Context, actorID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adjudicators[actorID], nil
}

func (d *MemoryDirectory) DisplayName(_ context.Context, actorID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.names[actorID]; ok {
		return n, nil
	}
	return actorID, nil
}

// PaymentProfile implements payments.PaymentProfiles.
func (d *MemoryDirectory) PaymentProfile(_ context.Context, payerID string) (string, string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[payerID]
	if !ok {
		return "", "", ErrNoPaymentProfile
	}
	return p[0], p[1], nil
}

var _ Directory = (*MemoryDirectory)(nil)
