package database

import (
	"testing"
	"time"

	"gasless-relayer/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemoryMigrates(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer Close(db)

	for _, table := range []string{"wallets", "session_keys", "relay_transactions", "idempotency_keys", "kv_entries"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	// migrations are idempotent
	require.NoError(t, AutoMigrate(db))
}

func TestSessionKeyPublicKeyIsGloballyUnique(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer Close(db)

	a := models.Wallet{Address: "0x00000000000000000000000000000000000000aa"}
	b := models.Wallet{Address: "0x00000000000000000000000000000000000000bb"}
	require.NoError(t, db.Create(&a).Error)
	require.NoError(t, db.Create(&b).Error)

	until := time.Now().Add(time.Hour)
	require.NoError(t, db.Create(&models.SessionKey{
		WalletId: a.Id, OwnerWallet: a.Address, PublicKey: "pub1", AuthorizationSignature: "0x01", ValidUntil: until,
	}).Error)

	err = db.Create(&models.SessionKey{
		WalletId: b.Id, OwnerWallet: b.Address, PublicKey: "pub1", AuthorizationSignature: "0x02", ValidUntil: until,
	}).Error
	assert.Error(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	assert.ErrorContains(t, err, "unsupported")
}
