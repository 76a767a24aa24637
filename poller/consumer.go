package poller

// Consumer receives the output of a Loop.  Both methods are called from the
// loop's goroutine and must not block for long; a slow consumer delays the
// next cycle.
type Consumer interface {
	// OnSnapshot is called once per completed cycle
	OnSnapshot(Snapshot)

	// OnFatalError is called exactly once if the loop stops because the
	// channel can no longer be used
	OnFatalError(error)
}

// ConsumerFuncs adapts plain functions to a Consumer.  Nil funcs are skipped.
type ConsumerFuncs struct {
	Snapshot func(Snapshot)
	Fatal    func(error)
}

// OnSnapshot calls Snapshot
func (c ConsumerFuncs) OnSnapshot(s Snapshot) {
	if c.Snapshot != nil {
		c.Snapshot(s)
	}
}

// OnFatalError calls Fatal
func (c ConsumerFuncs) OnFatalError(err error) {
	if c.Fatal != nil {
		c.Fatal(err)
	}
}

type multi []Consumer

func (m multi) OnSnapshot(s Snapshot) {
	for _, c := range m {
		c.OnSnapshot(s)
	}
}

func (m multi) OnFatalError(err error) {
	for _, c := range m {
		c.OnFatalError(err)
	}
}

// Consumers fans out to every consumer, in order
func Consumers(cs ...Consumer) Consumer {
	out := make(multi, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
