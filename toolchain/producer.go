package toolchain

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Producer compiles units with one toolchain. It is safe for concurrent use: the toolchain
// probe runs once and its Environment is only read afterward.
type Producer struct {
	tc   Toolchain
	once sync.Once
	env  *Environment
	err  error
}

func NewProducer(tc Toolchain) *Producer {
	return &Producer{tc: tc}
}

func (p *Producer) Toolchain() Toolchain {
	return p.tc
}

// Init probes the toolchain unless done. A failed probe is not retried.
func (p *Producer) Init(ctx context.Context) (*Environment, error) {
	p.once.Do(func() {
		p.env, p.err = p.tc.Init(ctx)
		if p.err != nil {
			Logger().Error("toolchain init", zap.String("toolchain", p.tc.Name()), zap.Error(p.err))
			return
		}
		Logger().Debug("toolchain initialized",
			zap.String("toolchain", p.tc.Name()),
			zap.String("compiler", p.env.Compiler),
			zap.String("triple", p.env.Triple),
			zap.String("version", p.env.Version),
			zap.Strings("includes", p.env.SystemIncludes))
	})
	return p.env, p.err
}

// Compile a unit.
func (p *Producer) Compile(ctx context.Context, unit Unit) (*Result, error) {
	env, err := p.Init(ctx)
	if err != nil {
		return nil, &CompileError{Key: unit.Key, Unit: unit.String(), Cause: err}
	}
	if len(unit.Sources) == 0 {
		return nil, &CompileError{Key: unit.Key, Unit: unit.Key, Cause: ErrEmptyUnit}
	}
	res, err := p.tc.Compile(ctx, env, unit)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		Logger().Debug("diagnostic", zap.String("key", unit.Key), zap.Stringer("diagnostic", w))
	}
	return res, nil
}
