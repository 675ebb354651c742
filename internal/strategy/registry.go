package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/skalibog/atse/pkg/logger"
	"go.uber.org/zap"
)

// Registry хранит все зарегистрированные стратегии и текущую активную
type Registry struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	current    Strategy
}

// NewRegistry создает реестр с тремя стандартными стратегиями,
// активной по умолчанию становится MA
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	ma := NewMA(nil)
	r.Register(KeyMA, ma)
	r.Register(KeyDKLL, NewDKLL(nil))
	r.Register(KeyRSI, NewRSI(nil))
	r.current = ma
	return r
}

// New создает независимый экземпляр стратегии по ключу. Каждый
// инструмент мультирежима получает свой экземпляр, чтобы подбор
// параметров одного не перенастраивал остальные.
func New(key string, params map[string]int) (Strategy, error) {
	switch key {
	case KeyMA:
		return NewMA(params), nil
	case KeyDKLL:
		return NewDKLL(params), nil
	case KeyRSI:
		return NewRSI(params), nil
	}
	return nil, fmt.Errorf("стратегия не зарегистрирована: %s", key)
}

// Register добавляет стратегию под ключом
func (r *Registry) Register(key string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[key] = s
	logger.Debug("Стратегия зарегистрирована", zap.String("key", key))
}

// Select делает стратегию с данным ключом активной
func (r *Registry) Select(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[key]
	if !ok {
		return fmt.Errorf("стратегия не зарегистрирована: %s", key)
	}
	r.current = s
	logger.Info("Стратегия выбрана", zap.String("key", key))
	return nil
}

// Current возвращает активную стратегию
func (r *Registry) Current() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Get возвращает стратегию по ключу, не меняя активную
func (r *Registry) Get(key string) (Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[key]
	if !ok {
		return nil, fmt.Errorf("стратегия не зарегистрирована: %s", key)
	}
	return s, nil
}

// Available возвращает отсортированный список ключей стратегий
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.strategies))
	for key := range r.strategies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Info возвращает описание активной стратегии с параметрами
func (r *Registry) Info() string {
	s := r.Current()
	return fmt.Sprintf("Текущая стратегия: %s\nОписание: %s\nПараметры: %v",
		s.Name(), s.Describe(), s.Params())
}
