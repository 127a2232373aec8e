package engine

import "sync"

// InFlight — кошельки, по которым прямо сейчас идет исполнение.
// Общий для тиков и ручного запуска: по одному кошельку одновременно не больше одной попытки.
type InFlight struct {
	mu      sync.Mutex
	wallets map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{wallets: make(map[string]struct{})}
}

// TryAcquire атомарно проверяет и занимает кошелек
func (f *InFlight) TryAcquire(wallet string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.wallets[wallet]; busy {
		return false
	}
	f.wallets[wallet] = struct{}{}
	return true
}

func (f *InFlight) Release(wallet string) {
	f.mu.Lock()
	delete(f.wallets, wallet)
	f.mu.Unlock()
}

func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.wallets)
}
