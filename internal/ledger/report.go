package ledger

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Report форматирует текстовую сводку результативности
func (l *Ledger) Report() string {
	stats := l.Stats()
	byStrategy := l.StrategyStats()

	var b strings.Builder
	b.WriteString("=== Результативность сессии ===\n")
	fmt.Fprintf(&b, "Сделок: %d (открыто %d, закрыто %d)\n", stats.Total, stats.Open, stats.Closed)
	if stats.Closed == 0 {
		b.WriteString("Закрытых сделок пока нет\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Прибыльных: %d, убыточных: %d (winrate %.1f%%)\n", stats.Wins, stats.Losses, stats.WinRate)
	fmt.Fprintf(&b, "Итог: %+.2f (прибыль %.2f, убыток %.2f)\n", stats.TotalProfit, stats.GrossProfit, stats.GrossLoss)
	fmt.Fprintf(&b, "Профит-фактор: %s\n", formatPF(stats.ProfitFactor))
	fmt.Fprintf(&b, "Серии: %d побед / %d поражений подряд\n", stats.MaxWinStreak, stats.MaxLossStrk)
	fmt.Fprintf(&b, "Средняя длительность сделки: %s\n", stats.AvgDuration.Round(time.Second))

	if len(byStrategy) > 0 {
		b.WriteString("--- По стратегиям ---\n")
		names := make([]string, 0, len(byStrategy))
		for name := range byStrategy {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := byStrategy[name]
			fmt.Fprintf(&b, "%-6s сделок %d, winrate %.1f%%, итог %+.2f, PF %s\n",
				name, s.Closed, s.WinRate, s.TotalProfit, formatPF(s.ProfitFactor))
		}
	}
	return b.String()
}

func formatPF(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", pf)
}
