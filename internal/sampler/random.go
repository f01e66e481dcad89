// Package sampler decides which users act in a block and what they do.
package sampler

import (
	"math/rand/v2"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/alanyoungcy/lendingsim/internal/lending"
)

// amountScale truncates proposed amounts so balances keep bounded precision.
const amountScale int32 = 12

// Random picks each user with probability rate, a uniformly random action
// kind and an amount that is a uniform fraction of the relevant balance:
// collateral for deposits and withdrawals, debt for borrows and repays.
// Proposals with nothing to scale from are dropped. All draws share one PCG
// stream, so a seed fixes the whole sequence.
type Random struct {
	src      rand.Source
	kind     distuv.Categorical
	fraction distuv.Uniform
}

// NewRandom returns a seeded sampler. maxFraction is clamped to (0, 1].
func NewRandom(seed uint64, maxFraction float64) *Random {
	if maxFraction <= 0 || maxFraction > 1 {
		maxFraction = 1
	}
	src := rand.NewPCG(seed, seed^0x2545f4914f6cdd1d)
	weights := make([]float64, len(lending.ActionKinds))
	for i := range weights {
		weights[i] = 1
	}
	return &Random{
		src:      src,
		kind:     distuv.NewCategorical(weights, src),
		fraction: distuv.Uniform{Min: 0, Max: maxFraction, Src: src},
	}
}

// SampleActions walks users in the order given, which the simulation keeps
// sorted by id.
func (r *Random) SampleActions(users []*lending.User, rate float64) []lending.Action {
	if rate <= 0 {
		return nil
	}

	picked := distuv.Bernoulli{P: min(rate, 1), Src: r.src}
	var actions []lending.Action
	for _, u := range users {
		if picked.Rand() == 0 {
			continue
		}
		kind := lending.ActionKinds[int(r.kind.Rand())]
		frac := r.fraction.Rand()

		var base decimal.Decimal
		switch kind {
		case lending.ActionDeposit, lending.ActionWithdraw:
			base = u.Supplied()
		default:
			base = u.Borrowed()
		}
		amount := base.Mul(decimal.NewFromFloat(frac)).Truncate(amountScale)
		if !amount.IsPositive() {
			continue
		}
		actions = append(actions, lending.Action{UserID: u.ID(), Kind: kind, Amount: amount})
	}
	return actions
}

// Scripted replays a fixed action list per block, for scenario runs and
// tests. Block n is the n-th call.
type Scripted struct {
	blocks [][]lending.Action
	next   int
}

func NewScripted(blocks [][]lending.Action) *Scripted {
	return &Scripted{blocks: blocks}
}

func (s *Scripted) SampleActions([]*lending.User, float64) []lending.Action {
	if s.next >= len(s.blocks) {
		return nil
	}
	out := s.blocks[s.next]
	s.next++
	return out
}
