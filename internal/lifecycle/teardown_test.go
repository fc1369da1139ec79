package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openraid/raidbdev/internal/hostapi/hostapitest"
)

func TestDeleteWithNoBoundSlotsFreesSynchronously(t *testing.T) {
	r := require.New(t)
	e, _, _ := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: "concat", NumSlots: 2, StripSizeKB: 64})
	r.NoError(err)

	r.NoError(e.Delete(context.Background(), arr))

	_, err = e.Registry.FindByName("r0")
	r.Error(err, "deleting an array with no bound slots must free the registry entry synchronously")
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := require.New(t)
	e, _, _ := newTestEngine(t)
	arr, err := e.Create(CreateParams{Name: "r0", Level: "concat", NumSlots: 1, StripSizeKB: 64})
	r.NoError(err)

	r.NoError(e.Delete(context.Background(), arr))
	err = e.DeleteLocked(context.Background(), arr)
	r.Error(err, "a second Delete on an already-destroying array must report AlreadyInProgress")
}

func TestDeleteOnlineArrayDeconfiguresAndDestructs(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: "concat", NumSlots: 1, StripSizeKB: 64})
	r.NoError(err)

	dev := hostapitest.NewDevice("d0", 4096, 1024)
	host.Register(dev)
	ch, err := dev.OpenChannel()
	r.NoError(err)
	_, err = arr.BindSlot(0, dev, ch, 1024, 0, 1024)
	r.NoError(err)
	r.NoError(e.Configure(context.Background(), arr))

	r.NoError(e.Delete(context.Background(), arr))

	_, err = e.Registry.FindByName("r0")
	r.Error(err)
}
