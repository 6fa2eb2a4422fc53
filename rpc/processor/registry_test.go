package processor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/serializer"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProcessor counts the packages it handled
func countingProcessor(counter *atomic.Int64, slots ...string) Processor {
	return Func{
		Slots: slots,
		Handler: func(*connect.Connect, *wire.Package) {
			counter.Add(1)
		},
	}
}

// TestFirstRegistrationWins verifies that a second processor can not take a slot
func TestFirstRegistrationWins(t *testing.T) {
	r := NewRegistry()
	var first, second atomic.Int64

	assert.Empty(t, r.Register(countingProcessor(&first, "7", "8")))
	assert.Equal(t, []string{"7"}, r.Register(countingProcessor(&second, "7", "9")))

	require.True(t, r.Dispatch(nil, wire.NewPackage("7", 0, nil)))
	assert.Equal(t, int64(1), first.Load())
	assert.Equal(t, int64(0), second.Load())

	// the new slot of the second processor was installed
	require.True(t, r.Dispatch(nil, wire.NewPackage("9", 0, nil)))
	assert.Equal(t, int64(1), second.Load())
	assert.Equal(t, []string{"7", "8", "9"}, r.Slots())
	assert.Equal(t, 3, r.Len())
}

// TestDispatchUnknownSlot verifies that unknown slots are dropped
func TestDispatchUnknownSlot(t *testing.T) {
	r := NewRegistry()
	var n atomic.Int64
	r.Register(countingProcessor(&n, "known"))

	assert.False(t, r.Dispatch(nil, wire.NewPackage("unknown", 0, []byte("x"))))
	assert.Equal(t, int64(0), n.Load())
	assert.True(t, r.Has("known"))
	assert.False(t, r.Has("unknown"))
}

// TestRegisterNil verifies that a nil processor is ignored
func TestRegisterNil(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Register(nil))
	assert.Equal(t, 0, r.Len())
}

// TestConcurrentRegistration verifies that exactly one of many racing processors wins a slot
func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wins atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n atomic.Int64
			if len(r.Register(countingProcessor(&n, "race"))) == 0 {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, 1, r.Len())
}

// TestTypedDecodesRequest verifies that typed processors receive decoded requests
func TestTypedDecodesRequest(t *testing.T) {
	type greet struct {
		Name string `json:"name"`
	}
	s := serializer.NewJSONSerializer()

	var got []greet
	p := Typed("greet", s, func(_ *connect.Connect, req greet) (string, error) {
		got = append(got, req)
		return "hello " + req.Name, nil
	})
	assert.Equal(t, []string{"greet"}, p.AvailableSlots())

	payload, err := s.Serialize(greet{Name: "alice"})
	require.NoError(t, err)
	p.HandlePackage(nil, wire.NewPackage("greet", 0, payload))

	// an empty payload is the zero request
	p.HandlePackage(nil, wire.NewPackage("greet", 0, nil))

	// an invalid payload does not reach the handler
	p.HandlePackage(nil, wire.NewPackage("greet", 0, []byte("{")))

	assert.Equal(t, []greet{{Name: "alice"}, {}}, got)
}
