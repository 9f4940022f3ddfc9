package handlers

import "github.com/dgfacade/gateway/internal/worker"

// Factories satisfies dispatch.HandlerFactories for the built-in set,
// populated at startup before any chain/plugin handlers are merged in.
type Factories struct {
	byIdentifier map[string]worker.Factory
}

func NewFactories() *Factories {
	return &Factories{
		byIdentifier: map[string]worker.Factory{
			"ECHO":       NewEcho,
			"ARITHMETIC": NewArithmetic,
			"DELAYED":    NewDelayed,
			"WEATHER":    NewWeather,
		},
	}
}

// Register adds or overrides a handler_identifier's factory, used for
// chain-as-handler registrations and any future plugin handlers.
func (f *Factories) Register(identifier string, factory worker.Factory) {
	f.byIdentifier[identifier] = factory
}

func (f *Factories) Resolve(identifier string) (worker.Factory, bool) {
	factory, ok := f.byIdentifier[identifier]
	return factory, ok
}
