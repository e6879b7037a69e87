package services

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"partyline/internal/core/domain"
	"partyline/pkg/cache"
	"partyline/pkg/utils"
)

// Directory tracks game advertisements observed on the signal channel and
// answers code lookups. Entries live for the advertisement TTL and are
// refreshed by re-advertisement; between duplicates of the same code the
// later sender timestamp wins.
type Directory struct {
	ttl    time.Duration
	ads    *cache.Cache
	logger *zap.Logger
}

func NewDirectory(ttl time.Duration, logger *zap.Logger) *Directory {
	return &Directory{
		ttl:    ttl,
		ads:    cache.NewCache(ttl),
		logger: logger,
	}
}

// Observe records one received advertisement. Returns false when the entry
// was dropped: invalid code, or older than what is already known.
func (d *Directory) Observe(source domain.PeerID, p domain.AdvertisementPayload, timestamp int64) bool {
	code := domain.NormalizeGameCode(string(p.GameCode))
	if !code.Valid() {
		d.logger.Debug("dropping advertisement with invalid game code",
			zap.String("code", string(p.GameCode)),
			zap.String("source", string(source)))
		return false
	}

	host := p.HostID
	if host == "" {
		host = source
	}

	if existing, ok := d.get(code); ok && existing.Timestamp > timestamp {
		return false
	}

	ad := domain.Advertisement{
		Code:           code,
		Host:           host,
		GameType:       p.GameType,
		MaxPlayers:     p.MaxPlayers,
		CurrentPlayers: p.CurrentPlayers,
		Timestamp:      timestamp,
		SeenAt:         utils.Now(),
	}
	d.ads.SetWithTTL(string(code), ad, d.ttl)

	d.logger.Debug("advertisement recorded",
		zap.String("code", string(code)),
		zap.String("host", string(host)),
		zap.Int("current_players", p.CurrentPlayers))
	return true
}

// Resolve looks up a non-expired advertisement by code. Lookup is
// case-insensitive.
func (d *Directory) Resolve(raw string) (domain.Advertisement, error) {
	code := domain.NormalizeGameCode(raw)
	if !code.Valid() {
		return domain.Advertisement{}, domain.ErrInvalidGameCode
	}
	ad, ok := d.get(code)
	if !ok {
		return domain.Advertisement{}, domain.ErrGameCodeNotFound
	}
	return ad, nil
}

// List returns every live advertisement, ordered by code.
func (d *Directory) List() []domain.Advertisement {
	items := d.ads.Items()
	out := make([]domain.Advertisement, 0, len(items))
	for _, v := range items {
		if ad, ok := v.(domain.Advertisement); ok {
			out = append(out, ad)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Forget drops one code, used when its host leaves gracefully.
func (d *Directory) Forget(code domain.GameCode) {
	d.ads.Delete(string(code))
}

func (d *Directory) Len() int {
	return len(d.ads.Items())
}

func (d *Directory) Close() {
	d.ads.Stop()
}

func (d *Directory) get(code domain.GameCode) (domain.Advertisement, bool) {
	v, ok := d.ads.Get(string(code))
	if !ok {
		return domain.Advertisement{}, false
	}
	ad, ok := v.(domain.Advertisement)
	return ad, ok
}
