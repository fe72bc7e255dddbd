package ring

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRingSize(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		containsErr string
	}{
		{
			name:        "negative",
			size:        -1,
			containsErr: "too small",
		},
		{
			name:        "zero",
			size:        0,
			containsErr: "too small",
		},
		{
			name:        "too large",
			size:        257,
			containsErr: "larger than the maximum",
		},
		{
			name: "valid 1",
			size: 1,
		},
		{
			name: "valid 4",
			size: 4,
		},
		{
			name: "valid 256",
			size: 256,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRingSize(tt.size)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRing_WrapMarker(t *testing.T) {
	r, err := New(4, 64, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, r.Slot(i).Wraps(), "slot %d must not wrap", i)
	}
	assert.True(t, r.Slot(3).Wraps(), "last slot defines the ring length")
}

func TestRing_CursorWraparound(t *testing.T) {
	const size = 4
	r, err := New(size, 64, nil)
	require.NoError(t, err)
	r.Reset(OwnerSoftware)

	// After K submissions the cursor must sit at K mod N, completing
	// each slot so the ring never backpressures.
	for k := 1; k <= 3*size; k++ {
		d, err := r.TryClaimTx()
		require.NoError(t, err)
		require.NoError(t, r.SubmitTx(d, []byte{0xaa, 0xbb}))
		assert.Equal(t, k%size, r.Cursor(), "cursor after %d operations", k)

		// Simulate the engine completing the transmit.
		d.SetOwner(OwnerSoftware)
	}
}

func TestRing_TxBackpressure(t *testing.T) {
	const size = 4
	r, err := New(size, 64, nil)
	require.NoError(t, err)
	r.Reset(OwnerSoftware)

	payload := make([]byte, 64)

	// 4 back-to-back sends with no completions succeed, the 5th hits
	// backpressure.
	for i := 0; i < size; i++ {
		d, err := r.TryClaimTx()
		require.NoError(t, err, "send %d", i+1)
		require.NoError(t, r.SubmitTx(d, payload))
	}
	_, err = r.TryClaimTx()
	assert.ErrorIs(t, err, ErrRingFull)
	assert.False(t, r.TxReady())

	// One completion frees exactly one slot and the pending send goes
	// through.
	r.Slot(0).SetOwner(OwnerSoftware)
	assert.True(t, r.TxReady())
	d, err := r.TryClaimTx()
	require.NoError(t, err)
	assert.NoError(t, r.SubmitTx(d, payload))
}

func TestRing_SubmitTxSingleBufferOnly(t *testing.T) {
	r, err := New(2, 16, nil)
	require.NoError(t, err)
	r.Reset(OwnerSoftware)

	d, err := r.TryClaimTx()
	require.NoError(t, err)
	err = r.SubmitTx(d, make([]byte, 17))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	// The failed submit must leave the slot claimed and the cursor put.
	assert.Equal(t, 0, r.Cursor())
	assert.Equal(t, OwnerSoftware, d.Owner())
}

func TestRing_SubmitSetsBoundaryMarkers(t *testing.T) {
	r, err := New(2, 64, nil)
	require.NoError(t, err)
	r.Reset(OwnerSoftware)

	kicked := 0
	r.kick = func() { kicked++ }

	d, err := r.TryClaimTx()
	require.NoError(t, err)
	require.NoError(t, r.SubmitTx(d, []byte{1, 2, 3}))

	assert.Equal(t, OwnerHardware, d.Owner())
	assert.True(t, d.StartOfFrame)
	assert.True(t, d.EndOfFrame)
	assert.Equal(t, uint32(3), d.Length)
	assert.Equal(t, []byte{1, 2, 3}, d.Payload())
	assert.Equal(t, 1, kicked, "submit must poke the engine exactly once")
}

func TestRing_RxPollAndRelease(t *testing.T) {
	r, err := New(3, 64, nil)
	require.NoError(t, err)
	r.Reset(OwnerHardware)

	_, err = r.PollRx()
	assert.ErrorIs(t, err, ErrRingEmpty)

	// Hardware fills slot 0 and hands it back.
	d0 := r.Slot(0)
	copy(d0.Buffer(), []byte{0xde, 0xad})
	d0.Length = 2
	d0.StartOfFrame = true
	d0.EndOfFrame = true
	d0.SetOwner(OwnerSoftware)

	got, err := r.PollRx()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, got.Payload())

	require.NoError(t, r.ReleaseRx(got))
	assert.Equal(t, OwnerHardware, d0.Owner(), "released slot goes back to the engine")
	assert.Equal(t, uint32(0), d0.Length, "release clears stale status")
	assert.Equal(t, 1, r.Cursor())

	_, err = r.PollRx()
	assert.ErrorIs(t, err, ErrRingEmpty)
}

func TestRing_Reset(t *testing.T) {
	r, err := New(3, 64, nil)
	require.NoError(t, err)
	r.Reset(OwnerSoftware)

	for i := 0; i < 2; i++ {
		d, err := r.TryClaimTx()
		require.NoError(t, err)
		require.NoError(t, r.SubmitTx(d, []byte{1, 2}))
	}
	require.Equal(t, 2, r.Cursor())

	r.Reset(OwnerSoftware)
	assert.Equal(t, 0, r.Cursor())
	for i := 0; i < 3; i++ {
		assert.Equal(t, OwnerSoftware, r.Slot(i).Owner())
		assert.Equal(t, uint32(0), r.Slot(i).Length)
	}
}

// TestRing_OwnershipHandoffModel interleaves the driver and hardware
// sides at random over several ring sizes and checks the hand-off
// invariants at every step: a side only touches slots it owns, the
// cursor sits at the operation count modulo the size, and frames leave
// in submit order.
func TestRing_OwnershipHandoffModel(t *testing.T) {
	for _, size := range []int{1, 2, 5, 8} {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(size)))
			r, err := New(size, 32, nil)
			require.NoError(t, err)
			r.Reset(OwnerSoftware)

			var (
				hwSweep   int // hardware's position, in ring order
				submitted int
				completed int
				pending   int // slots currently in hardware hands
			)

			for i := 0; i < 200; i++ {
				if rng.Intn(2) == 0 {
					// Driver side: claim and submit one frame.
					d, err := r.TryClaimTx()
					if pending == size {
						require.ErrorIs(t, err, ErrRingFull,
							"a full ring must backpressure")
						continue
					}
					require.NoError(t, err)
					require.Equal(t, OwnerSoftware, d.Owner(),
						"claim must never yield a hardware-owned slot")

					require.NoError(t, r.SubmitTx(d, []byte{byte(submitted), 0}))
					submitted++
					pending++
					require.Equal(t, submitted%size, r.Cursor())
				} else {
					// Hardware side: complete at most one slot, in ring
					// order, only if it holds one.
					d := r.Slot(hwSweep)
					if d.Owner() != OwnerHardware {
						continue
					}
					require.Equal(t, byte(completed), d.Payload()[0],
						"frames must leave in submit order")
					d.SetOwner(OwnerSoftware)
					if d.Wraps() {
						hwSweep = 0
					} else {
						hwSweep++
					}
					completed++
					pending--
				}
			}

			assert.Equal(t, submitted-completed, pending)
			assert.Positive(t, submitted, "the interleaving must exercise the ring")
		})
	}
}

func TestDescriptor_PackStatusRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		fill func(d *Descriptor)
	}{
		{
			name: "idle software slot",
			fill: func(d *Descriptor) {},
		},
		{
			name: "hardware owned with boundaries",
			fill: func(d *Descriptor) {
				d.SetOwner(OwnerHardware)
				d.Length = 1514
				d.StartOfFrame = true
				d.EndOfFrame = true
			},
		},
		{
			name: "error bits",
			fill: func(d *Descriptor) {
				d.Length = 64
				d.EndOfFrame = true
				d.Errors = ErrorCRC | ErrorOverrun
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Descriptor
			tt.fill(&d)
			w := d.PackStatus()

			var got Descriptor
			got.UnpackStatus(w)
			assert.Equal(t, d.Owner(), got.Owner())
			assert.Equal(t, d.Length, got.Length)
			assert.Equal(t, d.StartOfFrame, got.StartOfFrame)
			assert.Equal(t, d.EndOfFrame, got.EndOfFrame)
			assert.Equal(t, d.Errors, got.Errors)
		})
	}
}

func TestDescriptor_PackStatusBits(t *testing.T) {
	var d Descriptor
	d.SetOwner(OwnerHardware)
	d.Length = 0x40
	d.StartOfFrame = true
	d.EndOfFrame = true
	d.Errors = ErrorCRC

	w := d.PackStatus()
	assert.Equal(t, uint32(1<<31|1<<29|1<<28|1<<16|0x40), w)
}
