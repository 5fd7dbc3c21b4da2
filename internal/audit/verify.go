package audit

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// VerifyReport is the outcome of re-walking the chain from genesis.
type VerifyReport struct {
	Events int  `json:"events"`
	OK     bool `json:"ok"`
	// FirstDivergentID is the first row whose stored hash differs from the
	// recomputed one; zero when the chain is intact.
	FirstDivergentID int64 `json:"first_divergent_id,omitempty"`
	// DivergentIDs lists every row whose stored hash no longer matches.
	DivergentIDs []int64 `json:"divergent_ids,omitempty"`
}

// Verify recomputes every event hash from genesis, chaining on the recomputed
// values, and compares each to what is stored. An edited row therefore shows
// up together with every row after it.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	funcName := util.FuncName()

	events, err := l.Events(ctx)
	if err != nil {
		return VerifyReport{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	report, err := VerifyEvents(events)
	if err != nil {
		return VerifyReport{}, util.WrapErrorForLog(packageName, funcName, err)
	}
	if !report.OK {
		log.Warn().Int64("first_divergent_id", report.FirstDivergentID).Int("divergent", len(report.DivergentIDs)).
			Msg(util.WrapLogMessage(packageName, funcName, "audit chain verification failed"))
	}
	return report, nil
}

func VerifyEvents(events []model.AuditEvent) (VerifyReport, error) {
	report := VerifyReport{Events: len(events), OK: true}
	prev := model.GenesisHash
	for _, e := range events {
		want, err := EventHash(e, prev)
		if err != nil {
			return VerifyReport{}, err
		}
		if want != e.EventHash || e.PreviousHash != prev {
			if report.OK {
				report.FirstDivergentID = e.ID
			}
			report.OK = false
			report.DivergentIDs = append(report.DivergentIDs, e.ID)
		}
		prev = want
	}
	return report, nil
}
