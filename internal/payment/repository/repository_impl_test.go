package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tsumshop/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.EventRecord{}))
	return db
}

func TestInsertEvent_OncePerProviderEvent(t *testing.T) {
	db := setupDB(t)
	r := Provide()
	ctx := context.Background()

	record := &domain.EventRecord{
		ID:              1,
		Provider:        domain.ProviderStripe,
		ProviderEventID: "evt_1",
		EventType:       "payment_intent.succeeded",
		OrderID:         "ORD-100",
		Outcome:         domain.OutcomeSucceeded,
		Result:          domain.ResultApplied,
		Payload:         datatypes.JSON(`{"id":"evt_1"}`),
		ReceivedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	inserted, err := r.InsertEvent(ctx, db, record)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *record
	dup.ID = 2
	dup.Result = domain.ResultDuplicate
	inserted, err = r.InsertEvent(ctx, db, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := *record
	other.ID = 3
	other.Provider = domain.ProviderEsewa
	inserted, err = r.InsertEvent(ctx, db, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	found, err := r.FindEvent(ctx, db, domain.ProviderStripe, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.ResultApplied, found.Result)

	missing, err := r.FindEvent(ctx, db, domain.ProviderStripe, "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
