package registry

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Per-market CSV logger. One goroutine per market writes best-ask rows for
// both outcomes: every second while the top of book changed within the last
// ten seconds, every four seconds otherwise. The logger terminates itself
// once a market that had prices goes empty, or when its assets lose all
// subscribers.
const (
	logCadenceVolatile = 1 * time.Second
	logCadenceQuiet    = 4 * time.Second
	volatilityWindow   = 10 * time.Second
	marketLogDir       = "logs"
)

var slugCleaner = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
var headerCleaner = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func safeSlug(raw string) string {
	cleaned := strings.Trim(slugCleaner.ReplaceAllString(raw, "_"), "_")
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

func marketKey(slug, question string) string {
	return safeSlug(slug) + "::" + safeSlug(question)
}

func headerize(label string) string {
	cleaned := strings.Trim(headerCleaner.ReplaceAllString(strings.TrimSpace(label), "_"), "_")
	if cleaned == "" {
		return "unknown"
	}
	return strings.ToLower(cleaned)
}

type marketLogger struct {
	key      string
	slug     string
	question string
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (l *marketLogger) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (r *Registry) ensureMarketLogger(key, slug, question string) {
	r.metaMu.Lock()
	if _, ok := r.loggers[key]; ok {
		r.metaMu.Unlock()
		return
	}
	lg := &marketLogger{
		key:      key,
		slug:     slug,
		question: question,
		stopCh:   make(chan struct{}),
	}
	r.loggers[key] = lg
	r.metaMu.Unlock()

	go r.runMarketLogger(lg)
}

type outcomeQuote struct {
	outcome string
	bid     float64
	ask     float64
	hasBid  bool
	hasAsk  bool
}

// snapshotMarket collects the current top of book for every asset attached
// to the market, sorted by outcome label.
func (r *Registry) snapshotMarket(key string) ([]outcomeQuote, time.Time) {
	r.metaMu.Lock()
	assets := make([]string, 0, len(r.marketAssets[key]))
	for assetID := range r.marketAssets[key] {
		assets = append(assets, assetID)
	}
	metas := make(map[string]AssetMeta, len(assets))
	for _, assetID := range assets {
		metas[assetID] = r.meta[assetID]
	}
	r.metaMu.Unlock()

	var gameStart time.Time
	quotes := make([]outcomeQuote, 0, len(assets))
	for _, assetID := range assets {
		meta := metas[assetID]
		if gameStart.IsZero() {
			gameStart = meta.GameStartAt
		}
		q := outcomeQuote{outcome: meta.Outcome}
		if b, ok := r.Book(assetID); ok {
			if best, ok := b.BestBid(); ok {
				q.bid, q.hasBid = best.Price, true
			}
			if best, ok := b.BestAsk(); ok {
				q.ask, q.hasAsk = best.Price, true
			}
		}
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].outcome < quotes[j].outcome })
	return quotes, gameStart
}

func fmtPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func fmtElapsed(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func (r *Registry) runMarketLogger(lg *marketLogger) {
	folder := filepath.Join(marketLogDir, safeSlug(lg.slug))
	path := filepath.Join(folder, safeSlug(lg.question)+".csv")

	defer func() {
		r.metaMu.Lock()
		if cur, ok := r.loggers[lg.key]; ok && cur == lg {
			delete(r.loggers, lg.key)
		}
		r.metaMu.Unlock()
	}()

	seenNonEmpty := false
	var lastSnapshot [4]float64
	var haveSnapshot bool
	var lastLogged [4]float64
	var haveLogged bool
	var lastChangeAt time.Time

	wait := func(d time.Duration) bool {
		select {
		case <-lg.stopCh:
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		select {
		case <-lg.stopCh:
			return
		default:
		}
		loopStart := r.clock()
		quotes, gameStart := r.snapshotMarket(lg.key)

		var first, second outcomeQuote
		if len(quotes) > 0 {
			first = quotes[0]
		}
		if len(quotes) > 1 {
			second = quotes[1]
		}
		nonEmpty := first.hasBid && first.hasAsk && second.hasBid && second.hasAsk

		if !seenNonEmpty && !nonEmpty {
			if !wait(logCadenceVolatile) {
				return
			}
			continue
		}
		if nonEmpty {
			seenNonEmpty = true
		}
		if seenNonEmpty && !nonEmpty {
			// Market went dark after having prices; this logger is done.
			return
		}

		current := [4]float64{first.bid, first.ask, second.bid, second.ask}
		changed := false
		if haveSnapshot && current != lastSnapshot {
			changed = true
			lastChangeAt = loopStart
		}
		lastSnapshot = current
		haveSnapshot = true
		if !haveLogged || current != lastLogged {
			changed = true
		}

		if changed {
			if err := r.appendMarketRow(folder, path, first, second, gameStart, loopStart); err != nil {
				log.Printf("MarketLogger | Write failed (market=%s): %v", lg.key, err)
			} else {
				lastLogged = current
				haveLogged = true
			}
		}

		cadence := logCadenceQuiet
		if !lastChangeAt.IsZero() && loopStart.Sub(lastChangeAt) <= volatilityWindow {
			cadence = logCadenceVolatile
		}
		if !wait(cadence) {
			return
		}
	}
}

func (r *Registry) appendMarketRow(folder, path string, first, second outcomeQuote, gameStart, now time.Time) error {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if isNew {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return err
		}
	}
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()

	w := csv.NewWriter(fh)
	if isNew {
		if err := w.Write([]string{
			"time_since_game_start",
			fmt.Sprintf("best_ask_%s", headerize(first.outcome)),
			fmt.Sprintf("best_ask_%s", headerize(second.outcome)),
			"spread",
		}); err != nil {
			return err
		}
	}

	elapsed := ""
	if !gameStart.IsZero() {
		elapsed = fmtElapsed(now.Sub(gameStart))
	}
	spread := first.ask + second.ask - 1.0
	if err := w.Write([]string{
		elapsed,
		fmtPrice(first.ask),
		fmtPrice(second.ask),
		fmtPrice(spread),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
