package engine

import (
	"fmt"
	"sort"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// SymbolSet - множество символов каналов
type SymbolSet map[string]struct{}

// NewSymbolSet создаёт множество из списка
func NewSymbolSet(symbols ...string) SymbolSet {
	s := make(SymbolSet, len(symbols))
	for _, sym := range symbols {
		s.Add(sym)
	}
	return s
}

func (s SymbolSet) Add(sym string) { s[sym] = struct{}{} }

func (s SymbolSet) Has(sym string) bool {
	_, ok := s[sym]
	return ok
}

// Minus возвращает s - other
func (s SymbolSet) Minus(other SymbolSet) SymbolSet {
	out := make(SymbolSet)
	for sym := range s {
		if !other.Has(sym) {
			out.Add(sym)
		}
	}
	return out
}

func (s SymbolSet) Clone() SymbolSet {
	out := make(SymbolSet, len(s))
	for sym := range s {
		out.Add(sym)
	}
	return out
}

// Sorted - элементы в детерминированном порядке (для команд и логов)
func (s SymbolSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Diff - результат reconcile
type Diff struct {
	ToUnsubscribe SymbolSet
	ToSubscribe   SymbolSet
}

// Empty - нечего отправлять
func (d Diff) Empty() bool {
	return len(d.ToUnsubscribe) == 0 && len(d.ToSubscribe) == 0
}

// Reconcile вычисляет минимальную разницу подписок:
// toUnsubscribe = old - new, toSubscribe = new - old
func Reconcile(oldSymbols, newSymbols SymbolSet) Diff {
	return Diff{
		ToUnsubscribe: oldSymbols.Minus(newSymbols),
		ToSubscribe:   newSymbols.Minus(oldSymbols),
	}
}

// Commands превращает diff в команды. Отписка всегда идёт перед подпиской,
// пустая половина diff команды не порождает.
func (d Diff) Commands() []models.Command {
	cmds := make([]models.Command, 0, 2)
	if len(d.ToUnsubscribe) > 0 {
		cmds = append(cmds, models.Command{
			Op:      models.OpUnsubscribe,
			Channel: models.ChannelMarkPrice,
			Symbols: d.ToUnsubscribe.Sorted(),
		})
	}
	if len(d.ToSubscribe) > 0 {
		cmds = append(cmds, models.Command{
			Op:      models.OpSubscribe,
			Channel: models.ChannelMarkPrice,
			Symbols: d.ToSubscribe.Sorted(),
		})
	}
	return cmds
}

// SubscriptionManager держит подписки площадки в соответствии с позициями.
// Собственного состояния не хранит: старый набор берётся из Store.
type SubscriptionManager struct {
	feed FeedSender
	log  *utils.Logger
}

// NewSubscriptionManager создаёт менеджер подписок
func NewSubscriptionManager(feed FeedSender, log *utils.Logger) *SubscriptionManager {
	return &SubscriptionManager{feed: feed, log: log.WithComponent("subscriptions")}
}

// Baseline - подписка на позиции и ордера аккаунта после аутентификации
func (m *SubscriptionManager) Baseline() error {
	for _, ch := range []string{models.ChannelPositions, models.ChannelOrders} {
		cmd := models.Command{Op: models.OpSubscribe, Channel: ch, Symbols: []string{models.SymbolsAll}}
		if err := m.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Sync вычисляет diff между текущими и нужными каналами и отправляет команды.
// Ошибка отправки не откатывает diff: учёт подписок всё равно сбрасывается
// при следующем разрыве соединения.
func (m *SubscriptionManager) Sync(active, desired SymbolSet) (Diff, error) {
	diff := Reconcile(active, desired)
	if diff.Empty() {
		return diff, nil
	}

	m.log.Info("Reconciling mark price subscriptions",
		utils.Strings("unsubscribe", diff.ToUnsubscribe.Sorted()),
		utils.Strings("subscribe", diff.ToSubscribe.Sorted()),
	)

	var firstErr error
	for _, cmd := range diff.Commands() {
		if err := m.send(cmd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return diff, firstErr
}

func (m *SubscriptionManager) send(cmd models.Command) error {
	SubscriptionCommands.WithLabelValues(cmd.Op, cmd.Channel).Inc()
	if err := m.feed.Send(cmd); err != nil {
		m.log.Warn("Failed to send feed command",
			utils.String("op", cmd.Op),
			utils.Channel(cmd.Channel),
			utils.Err(err),
		)
		return fmt.Errorf("%s %s: %w", cmd.Op, cmd.Channel, err)
	}
	return nil
}
