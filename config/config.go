// Package config holds the flat configuration of a
// training run.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/unixpickle/anyasr/anyrnn"
	"github.com/unixpickle/anyasr/anysgd"
	"github.com/unixpickle/anyasr/attention"
	"github.com/unixpickle/anyasr/dataset"
	"github.com/unixpickle/anyasr/decoder"
	"github.com/unixpickle/anyasr/encoder"
	"github.com/unixpickle/anyasr/metrics"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/essentials"
	"gopkg.in/yaml.v3"
)

// Config is every setting of a training run.
type Config struct {
	TrainFiles []string `mapstructure:"train_files" yaml:"train_files"`
	DevFiles   []string `mapstructure:"dev_files" yaml:"dev_files"`
	EvalFiles  []string `mapstructure:"eval_files" yaml:"eval_files"`
	DevRatio   float64  `mapstructure:"dev_ratio" yaml:"dev_ratio"`
	Dict       string   `mapstructure:"dict" yaml:"dict"`
	SubDict    string   `mapstructure:"dict_sub" yaml:"dict_sub"`

	FeatureDim int `mapstructure:"feature_dim" yaml:"feature_dim"`
	Splice     int `mapstructure:"splice" yaml:"splice"`
	Stack      int `mapstructure:"num_stack" yaml:"num_stack"`
	MaxFrames  int `mapstructure:"max_frames" yaml:"max_frames"`

	EncType          string  `mapstructure:"enc_type" yaml:"enc_type"`
	EncBidirectional bool    `mapstructure:"enc_bidirectional" yaml:"enc_bidirectional"`
	EncUnits         int     `mapstructure:"enc_n_units" yaml:"enc_n_units"`
	EncLayers        int     `mapstructure:"enc_n_layers" yaml:"enc_n_layers"`
	EncCombine       string  `mapstructure:"enc_combine" yaml:"enc_combine"`
	Subsample        []int   `mapstructure:"subsample" yaml:"subsample"`
	SubsampleType    string  `mapstructure:"subsample_type" yaml:"subsample_type"`
	DropoutEnc       float64 `mapstructure:"dropout_enc" yaml:"dropout_enc"`

	AttType          string  `mapstructure:"att_type" yaml:"att_type"`
	AttDim           int     `mapstructure:"att_dim" yaml:"att_dim"`
	AttConvChannels  int     `mapstructure:"att_conv_n_channels" yaml:"att_conv_n_channels"`
	AttConvWidth     int     `mapstructure:"att_conv_width" yaml:"att_conv_width"`
	Sharpening       float64 `mapstructure:"att_sharpening_factor" yaml:"att_sharpening_factor"`
	SigmoidSmoothing bool    `mapstructure:"att_sigmoid_smoothing" yaml:"att_sigmoid_smoothing"`

	DecType        string  `mapstructure:"dec_type" yaml:"dec_type"`
	DecUnits       int     `mapstructure:"dec_n_units" yaml:"dec_n_units"`
	DecLayers      int     `mapstructure:"dec_n_layers" yaml:"dec_n_layers"`
	EmbDim         int     `mapstructure:"emb_dim" yaml:"emb_dim"`
	DropoutDec     float64 `mapstructure:"dropout_dec" yaml:"dropout_dec"`
	DropoutEmb     float64 `mapstructure:"dropout_emb" yaml:"dropout_emb"`
	InitDecState   bool    `mapstructure:"init_dec_state" yaml:"init_dec_state"`
	InputFeeding   bool    `mapstructure:"input_feeding" yaml:"input_feeding"`
	ProjDim        int     `mapstructure:"proj_dim" yaml:"proj_dim"`
	CTCWeight      float64 `mapstructure:"ctc_weight" yaml:"ctc_weight"`
	LabelSmoothing float64 `mapstructure:"label_smoothing" yaml:"label_smoothing"`
	LogitTemp      float64 `mapstructure:"logits_temperature" yaml:"logits_temperature"`
	ParamInitScale float64 `mapstructure:"param_init" yaml:"param_init"`

	SubLayers      int     `mapstructure:"enc_n_layers_sub" yaml:"enc_n_layers_sub"`
	SubCTCWeight   float64 `mapstructure:"ctc_weight_sub" yaml:"ctc_weight_sub"`
	MainTaskWeight float64 `mapstructure:"main_task_weight" yaml:"main_task_weight"`

	Precision    string  `mapstructure:"precision" yaml:"precision"`
	Optimizer    string  `mapstructure:"optimizer" yaml:"optimizer"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum" yaml:"momentum"`
	ClipGradNorm float64 `mapstructure:"clip_grad_norm" yaml:"clip_grad_norm"`

	DecayType         string  `mapstructure:"decay_type" yaml:"decay_type"`
	DecayStartEpoch   int     `mapstructure:"decay_start_epoch" yaml:"decay_start_epoch"`
	DecayRate         float64 `mapstructure:"decay_rate" yaml:"decay_rate"`
	DecayPatientEpoch int     `mapstructure:"decay_patient_epoch" yaml:"decay_patient_epoch"`
	WarmupSteps       int     `mapstructure:"warmup_step" yaml:"warmup_step"`
	WarmupFactor      float64 `mapstructure:"warmup_factor" yaml:"warmup_factor"`

	NotImprovedPatientEpoch int  `mapstructure:"not_improved_patient_epoch" yaml:"not_improved_patient_epoch"`
	ConvertToSGDEpoch       int  `mapstructure:"convert_to_sgd_epoch" yaml:"convert_to_sgd_epoch"`
	EvalStartEpoch          int  `mapstructure:"eval_start_epoch" yaml:"eval_start_epoch"`
	Epochs                  int  `mapstructure:"n_epochs" yaml:"n_epochs"`
	BatchSize               int  `mapstructure:"batch_size" yaml:"batch_size"`
	SortByLength            bool `mapstructure:"sort_by_length" yaml:"sort_by_length"`
	PrintStep               int  `mapstructure:"print_step" yaml:"print_step"`

	Metric       string `mapstructure:"metric" yaml:"metric"`
	Unit         string `mapstructure:"unit" yaml:"unit"`
	SubUnit      string `mapstructure:"unit_sub" yaml:"unit_sub"`
	BeamWidth    int    `mapstructure:"beam_width" yaml:"beam_width"`
	MaxDecodeLen int    `mapstructure:"max_decode_len" yaml:"max_decode_len"`

	ModelDir    string `mapstructure:"model_dir" yaml:"model_dir"`
	JobName     string `mapstructure:"job_name" yaml:"job_name"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DevRatio:   0.05,
		FeatureDim: 120,
		Splice:     1,
		Stack:      1,

		EncType:          "lstm",
		EncBidirectional: true,
		EncUnits:         320,
		EncLayers:        5,
		EncCombine:       "sum",
		SubsampleType:    "drop",

		AttType:         "location",
		AttDim:          128,
		AttConvChannels: 10,
		AttConvWidth:    100,
		Sharpening:      1,

		DecType:        "lstm",
		DecUnits:       320,
		DecLayers:      1,
		EmbDim:         64,
		InitDecState:   true,
		InputFeeding:   true,
		ProjDim:        320,
		LogitTemp:      1,
		ParamInitScale: 0.1,

		MainTaskWeight: 1,

		Precision:    "float32",
		Optimizer:    "adam",
		LearningRate: 1e-3,
		Momentum:     0.9,
		ClipGradNorm: 5,

		DecayType:         "per_epoch",
		DecayStartEpoch:   10,
		DecayRate:         0.9,
		DecayPatientEpoch: 1,
		WarmupFactor:      1,

		NotImprovedPatientEpoch: 5,
		ConvertToSGDEpoch:       20,
		Epochs:                  25,
		BatchSize:               32,
		SortByLength:            true,
		PrintStep:               200,

		Metric:       "edit_distance",
		Unit:         "word",
		SubUnit:      "char",
		BeamWidth:    1,
		MaxDecodeLen: 100,

		ModelDir: "models",
	}
}

// Load reads a YAML file on top of the defaults and then
// applies any changed flags.
// The path may be empty to use only defaults and flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	if err := v.ReadConfig(strings.NewReader(string(defaults))); err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, essentials.AddCtx("load config", err)
		}
		defer f.Close()
		if err := v.MergeConfig(f); err != nil {
			return nil, essentials.AddCtx("load config", err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, essentials.AddCtx("load config", err)
		}
	}
	var res Config
	if err := v.Unmarshal(&res); err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	return &res, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return essentials.AddCtx("save config", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := c.Model(0, 0); err != nil {
		return err
	}
	if _, err := c.Controller(); err != nil {
		return err
	}
	if _, err := c.Creator(); err != nil {
		return err
	}
	if _, err := c.ErrorUnit(); err != nil {
		return err
	}
	if _, err := c.SubErrorUnit(); err != nil {
		return err
	}
	switch {
	case c.Metric != "loss" && c.Metric != "edit_distance":
		return fmt.Errorf("unsupported metric: %q", c.Metric)
	case c.Optimizer != "adam" && c.Optimizer != "momentum" && c.Optimizer != "rmsprop" &&
		c.Optimizer != "sgd":
		return fmt.Errorf("unsupported optimizer: %q", c.Optimizer)
	case c.BatchSize < 1:
		return errors.New("batch size must be positive")
	case c.Epochs < 1:
		return errors.New("epoch count must be positive")
	case c.LearningRate <= 0 && c.DecayType != "warmup":
		return errors.New("learning rate must be positive")
	case c.DevRatio < 0 || c.DevRatio >= 1:
		return fmt.Errorf("dev ratio %f out of range", c.DevRatio)
	case c.EvalStartEpoch < 0:
		return fmt.Errorf("negative eval start epoch: %d", c.EvalStartEpoch)
	}
	return nil
}

// Model creates the model configuration for vocabularies
// of the given sizes.
// A subNumClasses of 0 disables the sub-task.
func (c *Config) Model(numClasses, subNumClasses int) (seq2seq.Config, error) {
	var res seq2seq.Config
	encCell, err := anyrnn.ParseCellType(c.EncType)
	if err != nil {
		return res, err
	}
	decCell, err := anyrnn.ParseCellType(c.DecType)
	if err != nil {
		return res, err
	}
	combine, err := encoder.ParseCombine(c.EncCombine)
	if err != nil {
		return res, err
	}
	mode, err := anyrnn.ParseSubsampleMode(c.SubsampleType)
	if err != nil {
		return res, err
	}
	attKind, err := attention.ParseKind(c.AttType)
	if err != nil {
		return res, err
	}
	res.Encoder = encoder.Config{
		FeatureDim:    c.FeatureDim,
		Splice:        c.Splice,
		Stack:         c.Stack,
		Cell:          encCell,
		Hidden:        c.EncUnits,
		Layers:        c.EncLayers,
		Bidirectional: c.EncBidirectional,
		Combine:       combine,
		Subsample:     c.Subsample,
		SubsampleMode: mode,
		Dropout:       c.DropoutEnc,
		InitScale:     c.ParamInitScale,
	}
	if err := res.Encoder.Validate(); err != nil {
		return res, err
	}
	res.Main = seq2seq.HeadConfig{
		NumClasses:       numClasses,
		EmbeddingDim:     c.EmbDim,
		EmbeddingDropout: c.DropoutEmb,
		Decoder: decoder.Config{
			Cell:            decCell,
			Hidden:          c.DecUnits,
			Layers:          c.DecLayers,
			Dropout:         c.DropoutDec,
			InitScale:       c.ParamInitScale,
			InitFromEncoder: c.InitDecState,
		},
		Attention: attention.Config{
			Kind:       attKind,
			AttDim:     c.AttDim,
			Sharpening: c.Sharpening,
			Sigmoid:    c.SigmoidSmoothing,
			Channels:   c.AttConvChannels,
			Width:      c.AttConvWidth,
			InitScale:  c.ParamInitScale,
		},
		InputFeeding:   c.InputFeeding,
		ProjDim:        c.ProjDim,
		CTCWeight:      c.CTCWeight,
		Temperature:    c.LogitTemp,
		LabelSmoothing: c.LabelSmoothing,
		InitScale:      c.ParamInitScale,
	}
	if subNumClasses > 0 {
		sub := res.Main
		sub.NumClasses = subNumClasses
		sub.CTCWeight = c.SubCTCWeight
		res.Sub = &sub
		res.SubLayers = c.SubLayers
		res.MainWeight = c.MainTaskWeight
	}
	return res, nil
}

// Controller creates the learning rate controller.
func (c *Config) Controller() (*anysgd.Controller, error) {
	policy, err := anysgd.ParsePolicy(c.DecayType)
	if err != nil {
		return nil, err
	}
	res := &anysgd.Controller{
		Policy:        policy,
		DecayStart:    c.DecayStartEpoch,
		DecayRate:     c.DecayRate,
		Patience:      c.DecayPatientEpoch,
		LowerIsBetter: true,
		WarmupSteps:   c.WarmupSteps,
		WarmupFactor:  c.WarmupFactor,
		ModelDim:      c.DecUnits,
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// Transformer creates the gradient transformer for the
// parameters, or nil for plain SGD.
func (c *Config) Transformer(params []*anydiff.Var) anysgd.TransformMarshaler {
	switch c.Optimizer {
	case "adam":
		return &anysgd.Adam{Params: params}
	case "momentum":
		return &anysgd.Momentum{Momentum: c.Momentum, Params: params}
	case "rmsprop":
		return &anysgd.RMSProp{Params: params}
	default:
		return nil
	}
}

// Creator returns the numeric creator for the precision.
func (c *Config) Creator() (anyvec.Creator, error) {
	switch c.Precision {
	case "float32":
		return anyvec32.CurrentCreator(), nil
	case "float64":
		return anyvec64.DefaultCreator{}, nil
	default:
		return nil, fmt.Errorf("unsupported precision: %q", c.Precision)
	}
}

// ErrorUnit parses the unit of edit distances.
func (c *Config) ErrorUnit() (metrics.Unit, error) {
	return metrics.ParseUnit(c.Unit)
}

// SubErrorUnit parses the unit of sub-task edit
// distances.
func (c *Config) SubErrorUnit() (metrics.Unit, error) {
	return metrics.ParseUnit(c.SubUnit)
}

// Dataset creates the batching configuration.
func (c *Config) Dataset(training bool) dataset.Config {
	return dataset.Config{
		BatchSize:    c.BatchSize,
		Splice:       c.Splice,
		Stack:        c.Stack,
		Shuffle:      training,
		SortByLength: c.SortByLength,
		MaxFrames:    c.MaxFrames,
	}
}
