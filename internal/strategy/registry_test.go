package strategy

import (
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	t.Run("три стандартные стратегии", func(t *testing.T) {
		keys := r.Available()
		if len(keys) != 3 {
			t.Fatalf("ожидалось 3 стратегии, получено %d", len(keys))
		}
		expected := []string{KeyDKLL, KeyMA, KeyRSI}
		for i, key := range expected {
			if keys[i] != key {
				t.Errorf("позиция %d: ожидался %s, получен %s", i, key, keys[i])
			}
		}
	})

	t.Run("по умолчанию активна MA", func(t *testing.T) {
		if got := r.Current().Name(); got != KeyMA {
			t.Errorf("ожидалась MA, получена %s", got)
		}
	})

	t.Run("выбор стратегии", func(t *testing.T) {
		if err := r.Select(KeyDKLL); err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
		if got := r.Current().Name(); got != KeyDKLL {
			t.Errorf("ожидалась DKLL, получена %s", got)
		}
	})

	t.Run("неизвестный ключ", func(t *testing.T) {
		if err := r.Select("MACD"); err == nil {
			t.Error("ожидалась ошибка для незарегистрированной стратегии")
		}
	})

	t.Run("Get не меняет активную", func(t *testing.T) {
		_ = r.Select(KeyMA)
		s, err := r.Get(KeyRSI)
		if err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
		if s.Name() != KeyRSI {
			t.Errorf("ожидалась RSI, получена %s", s.Name())
		}
		if r.Current().Name() != KeyMA {
			t.Error("Get не должен менять активную стратегию")
		}
	})
}
