package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *ConfigRecord {
	rec := &ConfigRecord{}
	copy(rec.Pools[0].URL[:], "stratum+tcp://pool.example:3333")
	copy(rec.Pools[0].Worker[:], "bench.001")
	rec.Mining.Frequency = 550
	rec.Mining.VoltageLevel = 40
	rec.Mining.TempTarget = 90
	rec.Mining.SmartSpeed = 1
	return rec
}

func TestConfigRoundtrip(t *testing.T) {
	store, _, _ := newTestStore(t)

	require.NoError(t, store.ConfigWrite(testRecord()))

	rec, err := store.ConfigRead()
	require.NoError(t, err)
	assert.Equal(t, uint32(ConfigMagic), rec.Magic)
	assert.Equal(t, uint16(ConfigVersion), rec.Version)
	assert.Equal(t, uint32(550), rec.Mining.Frequency)
	assert.Contains(t, string(rec.Pools[0].URL[:]), "pool.example")
}

func TestConfigBlankFlash(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.ConfigRead()
	assert.ErrorIs(t, err, ErrConfigCorrupt)
}

func TestConfigCorruptCRC(t *testing.T) {
	store, conn, _ := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))

	// flip one payload bit behind the driver's back
	conn.mem[ConfigOffset+10] ^= 0x01

	_, err := store.ConfigRead()
	assert.ErrorIs(t, err, ErrConfigCorrupt)
}

func TestConfigBadMagic(t *testing.T) {
	store, conn, _ := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))

	conn.mem[ConfigOffset] = 'X'

	_, err := store.ConfigRead()
	assert.ErrorIs(t, err, ErrConfigCorrupt)
}

func TestConfigWritePreservesPendingMarker(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))

	require.NoError(t, store.setMarker(OTAMarkerPending))

	rec := testRecord()
	rec.Mining.Frequency = 600
	require.NoError(t, store.ConfigWrite(rec))

	marker, err := store.readMarker()
	require.NoError(t, err)
	assert.Equal(t, uint32(OTAMarkerPending), marker)

	got, err := store.ConfigRead()
	require.NoError(t, err)
	assert.Equal(t, uint32(600), got.Mining.Frequency)
}

func TestConfigWriteDropsDoneMarker(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))
	require.NoError(t, store.setMarker(OTAMarkerDone))

	require.NoError(t, store.ConfigWrite(testRecord()))

	marker, err := store.readMarker()
	require.NoError(t, err)
	assert.Equal(t, uint32(otaMarkerNone), marker)
}
