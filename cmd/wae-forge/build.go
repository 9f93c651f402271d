package main

import (
	"fmt"
	"log/slog"

	"wae-forge/internal/config"
	"wae-forge/internal/dataset"
	"wae-forge/internal/model"
	"wae-forge/internal/optim"
	"wae-forge/internal/prior"
	"wae-forge/internal/tensor"
	"wae-forge/internal/trainer"
)

func newLoader(cfg *config.Config, roots map[string][]string) (*dataset.Loader, error) {
	minBatch := 1
	if cfg.Variant == config.VariantMMD {
		minBatch = 2
	}
	return dataset.NewLoader(dataset.LoaderOptions{
		Roots:      roots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		BatchSize:  cfg.BatchSize,
		ImageSize:  cfg.ImageSize,
		Channels:   cfg.Channels,
		SplitRow:   cfg.SplitRow,
		MinBatch:   minBatch,
	})
}

// geometry returns the encoder input and decoder output spatial sizes. In
// autoencode mode the decoder reproduces X, so it takes X's size.
func geometry(cfg *config.Config) (inH, inW, outH, outW int) {
	inH, inW = cfg.ImageSize, cfg.ImageSize
	outH, outW = cfg.ImageSize, cfg.ImageSize
	if cfg.SplitRow > 0 {
		inH = cfg.SplitRow
		outH = cfg.ImageSize - cfg.SplitRow
		if cfg.Autoencode {
			outH = cfg.SplitRow
		}
	}
	if cfg.Transposed() {
		inH, inW = inW, inH
	}
	return inH, inW, outH, outW
}

func buildController(cfg *config.Config, src trainer.Source, logger *slog.Logger) (*trainer.Controller, error) {
	inH, inW, outH, outW := geometry(cfg)
	enc, err := model.NewEncoder(model.EncoderConfig{
		ZDim:      cfg.ZDim,
		Channels:  cfg.Channels,
		LastDim:   inH / 16,
		LastWidth: inW / 16,
		Width:     cfg.Width,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	dec, err := model.NewDecoder(model.DecoderConfig{
		ZDim:       cfg.ZDim,
		Channels:   cfg.Channels,
		FirstDim:   outH / 4,
		FirstWidth: outW / 4,
		Width:      cfg.Width,
		Seed:       cfg.Seed + 1,
	})
	if err != nil {
		return nil, err
	}
	pz, err := prior.New(cfg.Prior, cfg.ZDim, cfg.PriorSigma, uint64(cfg.Seed)+3)
	if err != nil {
		return nil, err
	}
	samplePz, err := prior.New(cfg.Prior, cfg.ZDim, cfg.PriorSigma, uint64(cfg.Seed)+4)
	if err != nil {
		return nil, err
	}
	opt, err := optim.New(cfg.Optimizer, append(enc.Parameters(), dec.Parameters()...), optimOptions(cfg))
	if err != nil {
		return nil, err
	}
	reg, err := regularizer(cfg)
	if err != nil {
		return nil, err
	}
	cost := trainer.SquaredL2Cost
	if cfg.Cost == "l1" {
		cost = trainer.L1Cost
	}

	logger.Info("model built",
		"encoder_params", tensor.CountParameters(enc.Parameters()),
		"decoder_params", tensor.CountParameters(dec.Parameters()),
		"input", fmt.Sprintf("%dx%d", inH, inW),
		"output", fmt.Sprintf("%dx%d", outH, outW),
		"variant", cfg.Variant,
	)
	return trainer.New(trainer.Config{
		Encoder:        enc,
		Decoder:        dec,
		Prior:          pz,
		SamplePrior:    samplePz,
		Data:           src,
		Optimizer:      opt,
		Regularizer:    reg,
		Cost:           cost,
		Lambda:         cfg.Lambda,
		Device:         trainer.Device(cfg.Device),
		Autoencode:     cfg.Autoencode,
		ValidateShapes: cfg.ValidateShapes,
		CheckFinite:    cfg.CheckFinite,
		Logger:         logger,
		LogEvery:       cfg.LogEvery,
		OnAbort: func(err error, step trainer.Step) {
			logger.Warn("partial history kept", "epoch", step.Epoch, "batch", step.Batch)
		},
	})
}

func regularizer(cfg *config.Config) (trainer.Regularizer, error) {
	layout := trainer.LayoutNCHW
	if cfg.Transposed() {
		layout = trainer.LayoutTransposed
	}
	scale := cfg.KernelScale
	if scale == 0 {
		scale = trainer.DefaultKernelScale(cfg.ZDim) * cfg.PriorSigma * cfg.PriorSigma
	}

	switch cfg.Variant {
	case config.VariantMMD:
		var kernel trainer.KernelFunc
		switch cfg.Kernel {
		case "rbf":
			kernel = trainer.RBFKernel(scale)
		case "imq":
			kernel = trainer.IMQKernel(scale)
		case "imq-multi":
			kernel = trainer.MultiScaleIMQKernel(scale)
		default:
			return nil, fmt.Errorf("unknown kernel %q", cfg.Kernel)
		}
		return trainer.MMD{Kernel: kernel, Layout: layout}, nil
	case config.VariantGAN:
		if cfg.Divergence == "moment" {
			return trainer.Divergence{Func: trainer.MomentDivergence, Layout: layout}, nil
		}
		d, err := model.NewDiscriminator(model.DiscriminatorConfig{ZDim: cfg.ZDim, Seed: cfg.Seed + 2})
		if err != nil {
			return nil, err
		}
		dOpt, err := optim.New(cfg.Optimizer, d.Parameters(), optimOptions(cfg))
		if err != nil {
			return nil, err
		}
		adv := trainer.NewAdversarialDivergence(d, dOpt)
		return trainer.Divergence{Func: adv.Score, Layout: layout}, nil
	}
	return nil, fmt.Errorf("unknown variant %q", cfg.Variant)
}

func optimOptions(cfg *config.Config) optim.Options {
	return optim.Options{LR: cfg.LearningRate, ClipNorm: cfg.ClipNorm}
}
