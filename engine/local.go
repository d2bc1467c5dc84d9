package engine

import (
	"fmt"
	"selfplay/game"
)

// PlayEpisode runs the current position to completion, asking policies[0]
// for the first player's moves and policies[1] for the second player's.
func (e *Environment) PlayEpisode(policies [2]Policy) (game.Outcome, error) {
	for {
		if outcome, over := e.state.Result(); over {
			return outcome, nil
		}

		var policy Policy
		switch e.state.Turn() {
		case game.First:
			policy = policies[0]
		case game.Second:
			policy = policies[1]
		default:
			return 0, fmt.Errorf("no player to move in %s", e.state.PositionKey())
		}

		move, err := policy.FindMove(e)
		if err != nil {
			return 0, fmt.Errorf("find move for %s: %w", e.state.Turn(), err)
		}
		if err := e.ApplyMove(move); err != nil {
			return 0, err
		}
	}
}

// PlaySelfPlay resets and lets one policy play both sides.
func (e *Environment) PlaySelfPlay(policy Policy) (game.Outcome, error) {
	if err := e.Reset(); err != nil {
		return 0, err
	}
	return e.PlayEpisode([2]Policy{policy, policy})
}

// PlayAgainst resets and plays policy as side against opponent.
func (e *Environment) PlayAgainst(policy, opponent Policy, side game.Player) (game.Outcome, error) {
	if err := e.Reset(); err != nil {
		return 0, err
	}
	switch side {
	case game.First:
		return e.PlayEpisode([2]Policy{policy, opponent})
	case game.Second:
		return e.PlayEpisode([2]Policy{opponent, policy})
	default:
		return 0, fmt.Errorf("cannot play as %s", side)
	}
}

// SideResult counts outcomes from the tested policy's point of view.
type SideResult struct {
	Win  int `json:"win"`
	Draw int `json:"draw"`
	Loss int `json:"loss"`
}

func (r *SideResult) add(outcome game.Outcome, side game.Player) {
	switch outcome.Winner() {
	case side:
		r.Win++
	case game.None:
		r.Draw++
	default:
		r.Loss++
	}
}

func (r SideResult) Games() int {
	return r.Win + r.Draw + r.Loss
}

// Report aggregates one evaluation round.
type Report struct {
	TestIndex int        `json:"test_index"`
	First     SideResult `json:"first"`
	Second    SideResult `json:"second"`
}

// Test plays gamesPerSide games as each side against opponent.
func (e *Environment) Test(policy, opponent Policy, testIdx, gamesPerSide int) (Report, error) {
	report := Report{TestIndex: testIdx}
	for _, side := range []game.Player{game.First, game.Second} {
		result := &report.First
		if side == game.Second {
			result = &report.Second
		}
		for i := 0; i < gamesPerSide; i++ {
			outcome, err := e.PlayAgainst(policy, opponent, side)
			if err != nil {
				return report, fmt.Errorf("test %d game %d as %s: %w", testIdx, i, side, err)
			}
			result.add(outcome, side)
		}
	}
	return report, nil
}
