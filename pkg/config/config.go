// Package config provides the registration configuration record. The
// record is parsed from JSON, or from YAML when the file name says so, with
// every missing key falling back to its documented default. Validation
// errors keep the engine from starting.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Enumerated option values.
const (
	TransformRigid           = "Rigid"
	TransformAffine          = "Affine"
	TransformRigidThenAffine = "RigidThenAffine"

	MetricMattesMutualInformation = "MattesMutualInformation"
	MetricMIND                    = "MIND"

	OptimizerRegularStepGradientDescent = "RegularStepGradientDescent"
	OptimizerGaussNewton                = "GaussNewton"

	Neighborhood6  = "6-connected"
	Neighborhood26 = "26-connected"
)

// FloatList accepts either a scalar or an array in the source document, so
// per-level settings can be written as a single shared value.
type FloatList []float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FloatList) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		*f = FloatList{scalar}
		return nil
	}
	var list []float64
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FloatList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var scalar float64
		if err := node.Decode(&scalar); err != nil {
			return err
		}
		*f = FloatList{scalar}
		return nil
	}
	var list []float64
	if err := node.Decode(&list); err != nil {
		return err
	}
	*f = list
	return nil
}

// IntList is the integer counterpart of FloatList.
type IntList []int

// UnmarshalJSON implements json.Unmarshaler.
func (f *IntList) UnmarshalJSON(data []byte) error {
	var scalar int
	if err := json.Unmarshal(data, &scalar); err == nil {
		*f = IntList{scalar}
		return nil
	}
	var list []int
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *IntList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var scalar int
		if err := node.Decode(&scalar); err != nil {
			return err
		}
		*f = IntList{scalar}
		return nil
	}
	var list []int
	if err := node.Decode(&list); err != nil {
		return err
	}
	*f = list
	return nil
}

// Config is the typed configuration record consumed by the registration
// driver.
type Config struct {
	TransformType string `json:"transformType" yaml:"transformType"`
	MetricType    string `json:"metricType" yaml:"metricType"`
	// OptimizerType left empty derives from the metric: GaussNewton for
	// MIND, RegularStepGradientDescent for mutual information.
	OptimizerType string `json:"optimizerType" yaml:"optimizerType"`

	NumberOfHistogramBins int `json:"numberOfHistogramBins" yaml:"numberOfHistogramBins"`

	MindRadius           int     `json:"mindRadius" yaml:"mindRadius"`
	MindSigma            float64 `json:"mindSigma" yaml:"mindSigma"`
	MindNeighborhoodType string  `json:"mindNeighborhoodType" yaml:"mindNeighborhoodType"`

	NumberOfSpatialSamples int     `json:"numberOfSpatialSamples" yaml:"numberOfSpatialSamples"`
	SamplingPercentage     float64 `json:"samplingPercentage" yaml:"samplingPercentage"`

	LearningRate               FloatList `json:"learningRate" yaml:"learningRate"`
	MinimumStepLength          float64   `json:"minimumStepLength" yaml:"minimumStepLength"`
	NumberOfIterations         IntList   `json:"numberOfIterations" yaml:"numberOfIterations"`
	RelaxationFactor           float64   `json:"relaxationFactor" yaml:"relaxationFactor"`
	GradientMagnitudeTolerance float64   `json:"gradientMagnitudeTolerance" yaml:"gradientMagnitudeTolerance"`

	UseLineSearch         bool    `json:"useLineSearch" yaml:"useLineSearch"`
	UseLevenbergMarquardt bool    `json:"useLevenbergMarquardt" yaml:"useLevenbergMarquardt"`
	DampingFactor         float64 `json:"dampingFactor" yaml:"dampingFactor"`

	NumberOfLevels  int       `json:"numberOfLevels" yaml:"numberOfLevels"`
	ShrinkFactors   []int     `json:"shrinkFactors" yaml:"shrinkFactors"`
	SmoothingSigmas []float64 `json:"smoothingSigmas" yaml:"smoothingSigmas"`

	UseStratifiedSampling bool   `json:"useStratifiedSampling" yaml:"useStratifiedSampling"`
	RandomSeed            uint64 `json:"randomSeed" yaml:"randomSeed"`

	Verbose bool `json:"verbose" yaml:"verbose"`
}

// Default returns a configuration with the documented defaults.
func Default() *Config {
	return &Config{
		TransformType:              TransformRigid,
		MetricType:                 MetricMattesMutualInformation,
		NumberOfHistogramBins:      32,
		MindRadius:                 1,
		MindSigma:                  0.8,
		MindNeighborhoodType:       Neighborhood6,
		NumberOfSpatialSamples:     0,
		SamplingPercentage:         0.25,
		LearningRate:               FloatList{2.0, 1.0, 0.5, 0.1, 0.05},
		MinimumStepLength:          1e-6,
		NumberOfIterations:         IntList{1000, 500, 250, 100, 0},
		RelaxationFactor:           0.5,
		GradientMagnitudeTolerance: 1e-6,
		UseLineSearch:              true,
		UseLevenbergMarquardt:      true,
		DampingFactor:              1e-3,
		NumberOfLevels:             5,
		ShrinkFactors:              []int{12, 8, 4, 2, 1},
		SmoothingSigmas:            []float64{4.0, 3.0, 2.0, 1.0, 1.0},
		UseStratifiedSampling:      true,
		RandomSeed:                 121212,
	}
}

// Load reads the configuration from a JSON file, or from YAML when the
// extension is .yaml or .yml. A missing file yields the defaults, matching
// the collaborator contract. Unknown keys are ignored; malformed values are
// configuration errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated values, ranges, and per-level array lengths.
func (c *Config) Validate() error {
	switch c.TransformType {
	case TransformRigid, TransformAffine, TransformRigidThenAffine:
	default:
		return fmt.Errorf("%w: unknown transformType %q", ErrInvalid, c.TransformType)
	}
	switch c.MetricType {
	case MetricMattesMutualInformation, MetricMIND:
	default:
		return fmt.Errorf("%w: unknown metricType %q", ErrInvalid, c.MetricType)
	}
	switch c.OptimizerType {
	case "", OptimizerRegularStepGradientDescent, OptimizerGaussNewton:
	default:
		return fmt.Errorf("%w: unknown optimizerType %q", ErrInvalid, c.OptimizerType)
	}
	switch c.MindNeighborhoodType {
	case Neighborhood6, Neighborhood26:
	default:
		return fmt.Errorf("%w: unknown mindNeighborhoodType %q", ErrInvalid, c.MindNeighborhoodType)
	}

	if c.NumberOfHistogramBins < 2 {
		return fmt.Errorf("%w: numberOfHistogramBins must be at least 2", ErrInvalid)
	}
	if c.MindRadius < 0 {
		return fmt.Errorf("%w: mindRadius must be non-negative", ErrInvalid)
	}
	if c.MindSigma <= 0 {
		return fmt.Errorf("%w: mindSigma must be positive", ErrInvalid)
	}
	if c.SamplingPercentage <= 0 || c.SamplingPercentage > 1 {
		return fmt.Errorf("%w: samplingPercentage must be in (0, 1]", ErrInvalid)
	}
	if c.NumberOfSpatialSamples < 0 {
		return fmt.Errorf("%w: numberOfSpatialSamples must be non-negative", ErrInvalid)
	}
	if c.NumberOfLevels < 1 {
		return fmt.Errorf("%w: numberOfLevels must be at least 1", ErrInvalid)
	}

	if len(c.ShrinkFactors) != c.NumberOfLevels {
		return fmt.Errorf("%w: len(shrinkFactors) = %d, want numberOfLevels = %d",
			ErrInvalid, len(c.ShrinkFactors), c.NumberOfLevels)
	}
	if len(c.SmoothingSigmas) != c.NumberOfLevels {
		return fmt.Errorf("%w: len(smoothingSigmas) = %d, want numberOfLevels = %d",
			ErrInvalid, len(c.SmoothingSigmas), c.NumberOfLevels)
	}
	for i, s := range c.ShrinkFactors {
		if s < 1 {
			return fmt.Errorf("%w: shrinkFactors[%d] = %d must be positive", ErrInvalid, i, s)
		}
		if i > 0 && s > c.ShrinkFactors[i-1] {
			return fmt.Errorf("%w: shrinkFactors must be non-increasing", ErrInvalid)
		}
	}
	if c.ShrinkFactors[c.NumberOfLevels-1] != 1 {
		return fmt.Errorf("%w: the finest level must have shrinkFactor 1", ErrInvalid)
	}
	for i, s := range c.SmoothingSigmas {
		if s < 0 {
			return fmt.Errorf("%w: smoothingSigmas[%d] = %g must be non-negative", ErrInvalid, i, s)
		}
	}

	if err := perLevelLen("learningRate", len(c.LearningRate), c.NumberOfLevels); err != nil {
		return err
	}
	if err := perLevelLen("numberOfIterations", len(c.NumberOfIterations), c.NumberOfLevels); err != nil {
		return err
	}
	return nil
}

func perLevelLen(name string, n, levels int) error {
	if n != 1 && n != levels {
		return fmt.Errorf("%w: %s must be a scalar or have one entry per level (got %d, levels %d)",
			ErrInvalid, name, n, levels)
	}
	return nil
}

// LearningRateForLevel returns the per-level learning rate, replicating a
// scalar setting across levels.
func (c *Config) LearningRateForLevel(level int) float64 {
	if len(c.LearningRate) == 1 {
		return c.LearningRate[0]
	}
	return c.LearningRate[level]
}

// IterationsForLevel returns the per-level iteration cap.
func (c *Config) IterationsForLevel(level int) int {
	if len(c.NumberOfIterations) == 1 {
		return c.NumberOfIterations[0]
	}
	return c.NumberOfIterations[level]
}
