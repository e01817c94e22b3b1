// Package ranking orders public complaints for the feed. Every mode is a
// total order: ties fall back to newest first, then to id.
package ranking

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type Mode string

const (
	ModeNew    Mode = "new"
	ModeOld    Mode = "old"
	ModeTop    Mode = "top"
	ModeRising Mode = "rising"
	ModeHot    Mode = "hot"
)

const (
	DefaultGravity     = 1.5
	DefaultOffsetHours = 2.0
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(raw); m {
	case ModeNew, ModeOld, ModeTop, ModeRising, ModeHot:
		return m, nil
	case "":
		return ModeHot, nil
	}
	return "", fmt.Errorf("unknown ranking mode %q", raw)
}

func Modes() []Mode {
	return []Mode{ModeNew, ModeOld, ModeTop, ModeRising, ModeHot}
}

// Item is the subset of a complaint the ranking depends on.
type Item struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Upvotes   int       `json:"upvotes"`
	Downvotes int       `json:"downvotes"`
	ViewCount int       `json:"view_count"`
}

func (it Item) Score() int { return it.Upvotes - it.Downvotes }

// Params tunes hot ranking.
type Params struct {
	Gravity     float64
	OffsetHours float64
}

func DefaultParams() Params {
	return Params{Gravity: DefaultGravity, OffsetHours: DefaultOffsetHours}
}

func (p Params) normalized() Params {
	if p.Gravity <= 0 {
		p.Gravity = DefaultGravity
	}
	if p.OffsetHours <= 0 {
		p.OffsetHours = DefaultOffsetHours
	}
	return p
}

// HotScore is score / (ageHours + offset)^gravity. Future timestamps count as age zero.
func HotScore(it Item, now time.Time, p Params) float64 {
	p = p.normalized()
	age := now.Sub(it.CreatedAt).Hours()
	if age < 0 {
		age = 0
	}
	return float64(it.Score()) / math.Pow(age+p.OffsetHours, p.Gravity)
}

// Rank returns a new slice ordered by mode using default hot parameters.
func Rank(items []Item, mode Mode, now time.Time) []Item {
	return RankWith(items, mode, now, DefaultParams())
}

// RankWith is Rank with explicit hot parameters. The input is not modified.
func RankWith(items []Item, mode Mode, now time.Time, p Params) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	var hot []float64
	if mode == ModeHot {
		// Precompute so the comparator sees one consistent value per item.
		hot = make([]float64, len(out))
		for i, it := range out {
			hot[i] = HotScore(it, now, p)
		}
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := idx[a], idx[b]
			if hot[ia] != hot[ib] {
				return hot[ia] > hot[ib]
			}
			return newerFirst(out[ia], out[ib])
		})
		ranked := make([]Item, len(out))
		for i, j := range idx {
			ranked[i] = out[j]
		}
		return ranked
	}
	sort.SliceStable(out, func(a, b int) bool {
		x, y := out[a], out[b]
		switch mode {
		case ModeOld:
			if !x.CreatedAt.Equal(y.CreatedAt) {
				return x.CreatedAt.Before(y.CreatedAt)
			}
			return x.ID < y.ID
		case ModeTop:
			if x.Score() != y.Score() {
				return x.Score() > y.Score()
			}
		case ModeRising:
			if x.ViewCount != y.ViewCount {
				return x.ViewCount > y.ViewCount
			}
		}
		return newerFirst(x, y)
	})
	return out
}

func newerFirst(x, y Item) bool {
	if !x.CreatedAt.Equal(y.CreatedAt) {
		return x.CreatedAt.After(y.CreatedAt)
	}
	return x.ID < y.ID
}

// Page slices a ranked list; out-of-range offsets yield an empty page.
func Page(items []Item, offset, limit int) []Item {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []Item{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
