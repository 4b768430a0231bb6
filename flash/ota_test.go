package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hbctl/pack"
)

func buildImage(t *testing.T, version uint32, payloadLen int) []byte {
	t.Helper()
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	hdr := OTAHeader{Version: version}
	copy(hdr.Description[:], "bench image")
	SealOTAHeader(&hdr, payload)

	raw, err := pack.Pack(&hdr)
	require.NoError(t, err)
	return append(raw, payload...)
}

func TestOTAWriteAndVerify(t *testing.T) {
	store, _, _ := newTestStore(t)

	image := buildImage(t, 2, 5000)
	require.NoError(t, store.OTAWrite(image))

	got, err := store.Read(SlotBOffset, len(image))
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestOTAWriteTooLargeRejectedBeforeErase(t *testing.T) {
	store, conn, _ := newTestStore(t)

	erases := conn.erases
	err := store.OTAWrite(make([]byte, SlotSize+1))
	assert.ErrorIs(t, err, ErrOTAImageTooLarge)
	assert.Equal(t, erases, conn.erases)
}

func TestOTAWriteRuntRejected(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.ErrorIs(t, store.OTAWrite(make([]byte, 10)), ErrOTAInvalidImage)
}

func TestOTASwitchNoImage(t *testing.T) {
	store, _, sys := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))

	assert.ErrorIs(t, store.OTASwitch(), ErrOTAInvalidImage)
	assert.Zero(t, sys.resets)

	marker, err := store.readMarker()
	require.NoError(t, err)
	assert.Equal(t, uint32(otaMarkerNone), marker)
}

func TestOTASwitchSetsPendingAndResets(t *testing.T) {
	store, _, sys := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))
	require.NoError(t, store.OTAWrite(buildImage(t, 3, 4096)))

	require.NoError(t, store.OTASwitch())
	assert.Equal(t, 1, sys.resets)

	marker, err := store.readMarker()
	require.NoError(t, err)
	assert.Equal(t, uint32(OTAMarkerPending), marker)

	// config record rode along through the marker rewrite
	rec, err := store.ConfigRead()
	require.NoError(t, err)
	assert.Equal(t, uint32(550), rec.Mining.Frequency)
}

func TestOTACommitCopiesSlotAndClearsMarker(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))

	image := buildImage(t, 4, 70000) // spans two blocks
	require.NoError(t, store.OTAWrite(image))
	require.NoError(t, store.OTASwitch())

	// "reboot": run the boot-time commit
	require.NoError(t, store.OTACommit())

	got, err := store.Read(SlotAOffset, len(image))
	require.NoError(t, err)
	assert.Equal(t, image, got)

	marker, err := store.readMarker()
	require.NoError(t, err)
	assert.Equal(t, uint32(OTAMarkerDone), marker)

	rec, err := store.ConfigRead()
	require.NoError(t, err)
	assert.Equal(t, uint32(550), rec.Mining.Frequency)
}

func TestOTACommitIdempotent(t *testing.T) {
	store, conn, _ := newTestStore(t)
	require.NoError(t, store.OTAWrite(buildImage(t, 5, 1000)))
	require.NoError(t, store.setMarker(OTAMarkerPending))
	require.NoError(t, store.OTACommit())

	// second boot with DONE marker must not touch the flash
	erases := conn.erases
	programs := conn.programs
	require.NoError(t, store.OTACommit())
	assert.Equal(t, erases, conn.erases)
	assert.Equal(t, programs, conn.programs)
}

// Power loss mid-copy leaves the marker PENDING; the next boot restarts the
// copy from scratch and still converges.
func TestOTACommitRetriesAfterInterruptedCopy(t *testing.T) {
	store, conn, _ := newTestStore(t)
	image := buildImage(t, 6, 9000)
	require.NoError(t, store.OTAWrite(image))
	require.NoError(t, store.setMarker(OTAMarkerPending))

	// simulate a torn first copy: garbage in slot A, marker still pending
	for i := 0; i < 100; i++ {
		conn.mem[SlotAOffset+i] = 0x00
	}

	require.NoError(t, store.OTACommit())
	got, err := store.Read(SlotAOffset, len(image))
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestOTACommitPendingWithCorruptImage(t *testing.T) {
	store, conn, _ := newTestStore(t)
	require.NoError(t, store.ConfigWrite(testRecord()))
	require.NoError(t, store.OTAWrite(buildImage(t, 7, 1000)))
	require.NoError(t, store.setMarker(OTAMarkerPending))

	// staged header rots between switch and reboot
	conn.mem[SlotBOffset] ^= 0xFF

	require.NoError(t, store.OTACommit())

	// marker cleared, old firmware keeps booting, config intact
	marker, err := store.readMarker()
	require.NoError(t, err)
	assert.Equal(t, uint32(otaMarkerNone), marker)

	_, err = store.ConfigRead()
	assert.NoError(t, err)
}

func TestSealOTAHeader(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	hdr := OTAHeader{Version: 9}
	SealOTAHeader(&hdr, payload)

	assert.Equal(t, uint32(OTAMagic), hdr.Magic)
	assert.Equal(t, uint32(4), hdr.ImageSize)
	assert.NotZero(t, hdr.ImageCrc)
	assert.NotZero(t, hdr.HeaderCrc)
}
