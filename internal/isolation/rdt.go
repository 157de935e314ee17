package isolation

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/intel/goresctrl/pkg/rdt"
)

// DefaultRDTClass is the resctrl class every task belongs to unless moved.
const DefaultRDTClass = "system/default"

// RDTBackend moves the session into a cache-allocation class and back.
type RDTBackend interface {
	AssignPID(pid int, class string) error
	ResetPID(pid int) error
}

// goresctrl's rdt control is not safe for concurrent use.
type goresctrlBackend struct {
	mu          sync.Mutex
	initialized bool
}

func NewRDTBackend() RDTBackend {
	return &goresctrlBackend{}
}

func (b *goresctrlBackend) init() error {
	if b.initialized {
		return nil
	}
	if err := rdt.Initialize(""); err != nil {
		return fmt.Errorf("initialize RDT: %w", err)
	}
	b.initialized = true
	return nil
}

func (b *goresctrlBackend) AssignPID(pid int, class string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.init(); err != nil {
		return err
	}
	cls, ok := rdt.GetClass(class)
	if !ok {
		return fmt.Errorf("RDT class %s not found", class)
	}
	if err := cls.AddPids(strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("assign pid %d to RDT class %s: %w", pid, class, err)
	}
	return nil
}

func (b *goresctrlBackend) ResetPID(pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.init(); err != nil {
		return err
	}
	cls, ok := rdt.GetClass(DefaultRDTClass)
	if !ok {
		classes := rdt.GetClasses()
		if len(classes) == 0 {
			return fmt.Errorf("no default RDT class available")
		}
		cls = classes[0]
	}
	if err := cls.AddPids(strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("move pid %d to RDT class %s: %w", pid, cls.Name(), err)
	}
	return nil
}
