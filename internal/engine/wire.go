package engine

import (
	"math/rand"
	"time"

	"github.com/tradeforge/engine/internal/brains"
	"github.com/tradeforge/engine/internal/capital"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/crossmarket"
	"github.com/tradeforge/engine/internal/database"
	"github.com/tradeforge/engine/internal/execution"
	"github.com/tradeforge/engine/internal/features"
	"github.com/tradeforge/engine/internal/filters"
	"github.com/tradeforge/engine/internal/liquidity"
	"github.com/tradeforge/engine/internal/market"
	"github.com/tradeforge/engine/internal/meta"
	"github.com/tradeforge/engine/internal/news"
	"github.com/tradeforge/engine/internal/policy"
	"github.com/tradeforge/engine/internal/uncertainty"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// Sinks lets the caller plug journal-backed event sinks into the wiring;
// every field may be nil.
type Sinks struct {
	Orders execution.EventSink
	Risk   execution.RiskEventSink
	Audit  execution.AuditSink
}

// Build constructs the full component graph for the given mode. adapter is
// required for live-real routing and ignored otherwise. seed drives every
// stochastic component so runs are reproducible.
func Build(logger *zap.Logger, cfg *config.Config, mode execution.Mode, adapter market.BrokerAdapter, repo database.Repository, sinks Sinks, seed int64) (*Engine, error) {
	builder := features.NewBuilder(cfg.RoundLevelStep)
	transition := features.NewTransitionDetector(logger, cfg.ChaoticWindowSize)

	var newsFilter *news.Filter
	if cfg.NewsEnabled {
		var err error
		newsFilter, err = news.NewFilter(logger, news.Config{
			Enabled:            true,
			CSVPath:            cfg.NewsCSVPath,
			BlockMinutesBefore: cfg.NewsBlockMinutesBefore,
			BlockMinutesAfter:  cfg.NewsBlockMinutesAfter,
			ImpactBlock:        types.Impact(cfg.NewsImpactBlock),
			ReduceRiskOnMedium: cfg.NewsReduceRiskOnMedium,
			MediumRiskFactor:   cfg.NewsMediumRiskFactor,
		})
		if err != nil {
			return nil, err
		}
	}

	var crossBrain *crossmarket.Brain
	if cfg.CrossMarketEnabled && len(cfg.CrossSymbols) > 0 {
		crossBrain = crossmarket.NewBrain(logger, crossmarket.Config{
			PrimarySymbol: cfg.PrimarySymbol,
			CrossSymbols:  cfg.CrossSymbols,
			CorrWindows:   cfg.CorrWindows,
			SpreadWindow:  cfg.SpreadWindow,
			ZThreshold:    cfg.ZThreshold,
			BetaWindow:    cfg.BetaWindow,
			CorrBrokenMin: cfg.CrossGuardMinCorr,
			CorrBrokenMax: cfg.CrossGuardMaxCorr,
		})
	}

	boss := brains.NewBoss(logger, newsFilter, crossBrain)

	var gate *uncertainty.Gate
	if cfg.UncertaintyGateEnabled {
		ensemble := uncertainty.NewEnsemble(logger)
		var calibrator *uncertainty.Calibrator
		if cfg.CalibrationEnabled {
			calibrator = uncertainty.NewCalibrator(uncertainty.CalibrationMethod(cfg.CalibrationMethod))
		}
		var conformal *uncertainty.Conformal
		if cfg.ConformalEnabled {
			conformal = uncertainty.NewConformal(cfg.ConformalAlpha)
		}
		gate = uncertainty.NewGate(logger, uncertainty.GateConfig{
			Enabled:             true,
			MaxDisagreement:     cfg.MaxModelDisagreement,
			MaxProbaStd:         cfg.MaxProbaStd,
			MinGlobalConfidence: cfg.MinGlobalConfidence,
		}, ensemble, calibrator, conformal)
	}

	capitalManager := capital.NewManager(logger, cfg.OperatorCapitalBRL, cfg.MarginPerContractBRL,
		cfg.MaxContractsCap, cfg.MinContracts, capital.ReleverageRules{
			Enabled:          cfg.ReleverageEnabled,
			MaxExtra:         cfg.ReleverageMaxExtra,
			MinConfidence:    cfg.ReleverageMinGlobalConf,
			RequireProfit:    cfg.ReleverageRequireProfit,
			MinProfitBRL:     cfg.ReleverageMinProfitBRL,
			AllowedRegimes:   cfg.ReleverageAllowedRegimes,
			ForbiddenRegimes: cfg.ReleverageForbiddenRegimes,
		})

	rlPolicy := policy.NewPolicy(logger, cfg.RLFreezeThreshold, uint64(seed))
	rlGate := policy.NewGate(logger, cfg.RLEnabled, cfg.ReleverageEnabled, rlPolicy, capitalManager)
	metaBrain := meta.NewBrain(logger, time.Now)
	updater := policy.NewUpdater(logger, rlPolicy, metaBrain,
		cfg.RLUpdateBatchSize, cfg.RLSnapshotEvery, cfg.RLKeepSnapshots, cfg.DailyLossLimit)

	tracker := execution.NewPositionTracker(logger)
	fillModel := execution.NewFillModel(logger, execution.FillConfig{
		SpreadBase:    cfg.FillSpreadBase,
		SpreadVolMult: cfg.FillSpreadVolMult,
		SlippageBase:  cfg.FillSlippageBase,
		SlippageMax:   cfg.FillSlippageMax,
		RejectionProb: cfg.FillRejectionProb,
	}, rand.New(rand.NewSource(seed)))

	var router execution.Router
	if mode == execution.ModeLiveReal && adapter != nil {
		router = execution.NewLiveRouter(logger, adapter, tracker, sinks.Orders, 30*time.Second)
	} else {
		router = execution.NewSimRouter(logger, fillModel, tracker, sinks.Orders)
	}

	riskManager := execution.NewRiskManager(logger, execution.RiskConfig{
		DailyLossLimit:     cfg.DailyLossLimit,
		DailyProfitTarget:  cfg.DailyProfitTarget,
		MaxTradesPerDay:    cfg.MaxTradesPerDay,
		MaxTradesPerHour:   cfg.MaxTradesPerHour,
		CooldownSeconds:    cfg.CooldownSeconds,
		MaxConsecLosses:    cfg.MaxConsecLosses,
		MaxATRPct:          cfg.MaxATRPct,
		MaxBrainDivergence: cfg.MaxBrainDivergence,
		DegradeSteps:       cfg.DegradeSteps,
		DegradeFactor:      cfg.DegradeFactor,
	}, sinks.Risk)
	sltp := execution.NewSLTPManager(logger)

	execEngine := execution.NewEngine(logger, mode, execution.EngineConfig{
		UsePartialExits:   cfg.UsePartialExits,
		BreakEvenAfterTP1: cfg.BreakEvenAfterTP1,
		BreakEvenOffset:   cfg.BreakEvenOffset,
		TrailingEnabled:   cfg.TrailingEnabled,
		TrailingDistance:  cfg.TrailingDistance,
		TrailingATRMult:   cfg.TrailingATRMult,
	}, router, riskManager, sltp, tracker, fillModel, sinks.Audit)

	var lmap *liquidity.Map
	var liqSLTP *execution.LiquiditySLTPManager
	if cfg.LiquidityEnabled {
		lmap = liquidity.NewMap(logger, cfg.ZoneHistoryHours)
		targets := liquidity.NewTargetSelector(logger, lmap, cfg.MinRRRatio, 0.55, cfg.RunnerMinConfidence)
		stops := liquidity.NewStopSelector(logger, lmap, cfg.BreakEvenOffset, cfg.TransitionBufferFactor)
		liqSLTP = execution.NewLiquiditySLTPManager(logger, lmap, targets, stops)
	}

	badDay := filters.NewBadDayFilter(logger, filters.BadDayConfig{
		Enabled:        cfg.BadDayEnabled,
		FirstNTrades:   cfg.BadDayFirstNTrades,
		MaxDailyLoss:   cfg.BadDayMaxLoss,
		MinWinrate:     cfg.BadDayMinWinrate,
		ConsecutiveMax: cfg.BadDayConsecutiveMax,
	})
	timeFilter := filters.NewTimeFilter(logger, cfg.TimeFilterEnabled, cfg.TimeFilterBlocked, cfg.TimeFilterAllowOnly)

	return New(logger, cfg, Deps{
		Builder:      builder,
		Transition:   transition,
		Boss:         boss,
		Gate:         gate,
		RLGate:       rlGate,
		RLPolicy:     rlPolicy,
		Updater:      updater,
		MetaBrain:    metaBrain,
		Capital:      capitalManager,
		Exec:         execEngine,
		LiquidityMap: lmap,
		LiqSLTP:      liqSLTP,
		BadDay:       badDay,
		TimeFilter:   timeFilter,
		Repo:         repo,
	}), nil
}
