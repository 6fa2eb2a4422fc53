package processor

import (
	"github.com/ValentinKolb/dNet/rpc/connect"
	"github.com/ValentinKolb/dNet/rpc/wire"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
)

var Logger = logger.GetLogger("processor")

// Processor handles the packages of a fixed set of slots
type Processor interface {
	// AvailableSlots returns the slots the processor handles
	AvailableSlots() []string
	// HandlePackage is invoked on the processor pool for every package of one of
	// its slots. It may reply on the connect it was received on.
	HandlePackage(c *connect.Connect, p *wire.Package)
}

// HandlerFunc handles a package of one slot
type HandlerFunc func(c *connect.Connect, p *wire.Package)

// Func is a Processor handling its slots with a single function
type Func struct {
	Slots   []string
	Handler HandlerFunc
}

func (f Func) AvailableSlots() []string {
	return f.Slots
}

func (f Func) HandlePackage(c *connect.Connect, p *wire.Package) {
	f.Handler(c, p)
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry maps slots to handlers. The first registration of a slot wins, later
// ones are logged and ignored.
type Registry struct {
	handlers *xsync.MapOf[string, HandlerFunc]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: xsync.NewMapOf[string, HandlerFunc]()}
}

// Register installs a forwarding handler for every slot of p that is not taken
// yet. It returns the slots that were already registered, their handlers are
// left untouched.
func (r *Registry) Register(p Processor) (duplicates []string) {
	if p == nil {
		return nil
	}

	for _, slot := range p.AvailableSlots() {
		handler := HandlerFunc(p.HandlePackage)
		if _, loaded := r.handlers.LoadOrStore(slot, handler); loaded {
			Logger.Warningf("slot %q is already registered, keeping the first processor", slot)
			duplicates = append(duplicates, slot)
			continue
		}
		Logger.Debugf("registered slot %q", slot)
	}
	return duplicates
}

// Dispatch invokes the handler of the package's slot. Packages for unknown
// slots are logged and dropped, Dispatch then returns false.
func (r *Registry) Dispatch(c *connect.Connect, p *wire.Package) bool {
	handler, ok := r.handlers.Load(p.Slot())
	if !ok {
		Logger.Warningf("dropped %s from %s: no processor for slot %q", p, c, p.Slot())
		return false
	}
	handler(c, p)
	return true
}

// Has reports whether a slot is registered
func (r *Registry) Has(slot string) bool {
	_, ok := r.handlers.Load(slot)
	return ok
}

// Slots returns the registered slots in sorted order
func (r *Registry) Slots() []string {
	slots := make([]string, 0, r.handlers.Size())
	r.handlers.Range(func(slot string, _ HandlerFunc) bool {
		slots = append(slots, slot)
		return true
	})
	sort.Strings(slots)
	return slots
}

// Len returns the number of registered slots
func (r *Registry) Len() int {
	return r.handlers.Size()
}
