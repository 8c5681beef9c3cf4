package kafka

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Factory returns an unconfigured source driver.
type Factory func() Adapter

const DefaultDriver = "sarama"

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{
		DefaultDriver: func() Adapter { return &Reader{} },
	}
)

// Register installs f under name, replacing any driver of that name.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = f
}

// Drivers lists the registered driver names in order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// NewAdapter builds the named driver; "" selects DefaultDriver.
func NewAdapter(name string) (Adapter, error) {
	if name == "" {
		name = DefaultDriver
	}
	driversMu.RLock()
	f, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kafka source: unsupported driver %q (registered: %s)",
			name, strings.Join(Drivers(), ", "))
	}
	return f(), nil
}
