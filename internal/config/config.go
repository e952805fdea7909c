package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level settings file for an optimization study.
type Config struct {
	Simulator  SimulatorConfig `yaml:"simulator"`
	Scoring    ScoringConfig   `yaml:"scoring"`
	Search     SearchConfig    `yaml:"search"`
	Cordons    CordonConfig    `yaml:"cordons"`
	Incentives IncentiveConfig `yaml:"incentives"`
	Fares      []FareRange     `yaml:"fares,omitempty"`
	Transit    TransitConfig   `yaml:"transit,omitempty"`
	Storage    StorageConfig   `yaml:"storage"`
	Output     OutputConfig    `yaml:"output"`
}

// SimulatorConfig describes how BEAM is launched.
type SimulatorConfig struct {
	DockerImage string `yaml:"docker_image"`
	// BeamPath is the checkout containing fixed-data/.
	BeamPath string `yaml:"beam_path"`
	Scenario string `yaml:"scenario"`
	// ConfigFile is the BEAM config path inside the container. When empty the
	// legacy --scenario/--sample-size/--iters invocation is used.
	ConfigFile      string        `yaml:"config_file,omitempty"`
	SampleSize      string        `yaml:"sample_size"`
	SimulationIters int           `yaml:"simulation_iters"`
	LastIteration   int           `yaml:"last_iteration"`
	RunDirDepth     int           `yaml:"run_dir_depth"`
	Timeout         time.Duration `yaml:"timeout"`
	Sudo            bool          `yaml:"sudo"`
	ExtraArgs       []string      `yaml:"extra_args,omitempty"`
}

// ScoringConfig selects how KPI vectors become a scalar loss.
type ScoringConfig struct {
	Hypervolume        bool               `yaml:"hypervolume"`
	StandardsPath      string             `yaml:"standards"`
	ScoringWeightsPath string             `yaml:"scoring_weights"`
	Profile            string             `yaml:"profile"`
	Weights            map[string]float64 `yaml:"weights,omitempty"`
	ReferenceFactor    float64            `yaml:"reference_factor"`
}

// SearchConfig controls the optimizer.
type SearchConfig struct {
	Algorithm     string  `yaml:"algorithm"`
	Evaluations   int     `yaml:"evaluations"`
	Seed          int64   `yaml:"seed"`
	Parallel      int     `yaml:"parallel"`
	StartupTrials int     `yaml:"startup_trials"`
	PopSize       int     `yaml:"pop_size"`
	Patience      int     `yaml:"patience"`
	Threshold     float64 `yaml:"threshold"`
	GridMaxPoints int     `yaml:"grid_max_points"`
	StudyName     string  `yaml:"study_name"`
}

// CordonConfig is the road-pricing search space.
type CordonConfig struct {
	Count int `yaml:"count"`
	// Centers and Radii bound random-search draws of cordon centres.
	Centers   [][2]float64 `yaml:"centers,omitempty"`
	Radii     []float64    `yaml:"radii,omitempty"`
	MinX      float64      `yaml:"min_x"`
	MaxX      float64      `yaml:"max_x"`
	MinY      float64      `yaml:"min_y"`
	MaxY      float64      `yaml:"max_y"`
	MinRadius float64      `yaml:"min_radius"`
	MaxRadius float64      `yaml:"max_radius"`
	MinToll   float64      `yaml:"min_price_per_mile"`
	MaxToll   float64      `yaml:"max_price_per_mile"`
	TollStep  float64      `yaml:"toll_step"`
	Divisions int          `yaml:"divisions"`
}

// IncentiveConfig is the income-tiered mode incentive search space.
type IncentiveConfig struct {
	Modes           [][]string   `yaml:"modes,omitempty"`
	Levels          int          `yaml:"levels"`
	MinIncomeThresh float64      `yaml:"min_income_thresh"`
	MaxIncomeThresh float64      `yaml:"max_income_thresh"`
	IncomeInterval  float64      `yaml:"income_thresh_interval"`
	SubsidyRanges   [][2]float64 `yaml:"subsidy_ranges,omitempty"`
	SubsidyInterval float64      `yaml:"subsidy_interval"`
}

// FareRange is one searchable transit fare.
type FareRange struct {
	AgencyID string  `yaml:"agency_id"`
	RouteID  string  `yaml:"route_id"`
	Age      string  `yaml:"age"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Step     float64 `yaml:"step"`
}

// TransitConfig holds fixed fleet and headway changes applied to every run.
type TransitConfig struct {
	FleetMix    []FleetEntry     `yaml:"fleet_mix,omitempty"`
	Frequencies []FrequencyEntry `yaml:"frequencies,omitempty"`
}

// FleetEntry assigns a vehicle type to a route.
type FleetEntry struct {
	AgencyID      string `yaml:"agency_id"`
	RouteID       string `yaml:"route_id"`
	VehicleTypeID string `yaml:"vehicle_type_id"`
}

// FrequencyEntry sets a route headway for a service window in seconds.
type FrequencyEntry struct {
	RouteID     string `yaml:"route_id"`
	StartTime   int    `yaml:"start_time"`
	EndTime     int    `yaml:"end_time"`
	HeadwaySecs int    `yaml:"headway_secs"`
	ExactTimes  int    `yaml:"exact_times"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// OutputConfig controls the per-run filesystem layout.
type OutputConfig struct {
	ResultsPath   string `yaml:"results_path"`
	NetworkPath   string `yaml:"network_path"`
	KeepFilesPath string `yaml:"keep_files,omitempty"`
	BaseInputsDir string `yaml:"base_inputs_dir,omitempty"`
	Clean         bool   `yaml:"clean"`
}

// Default returns settings for the Sioux Faux cordon study.
func Default() *Config {
	return &Config{
		Simulator: SimulatorConfig{
			DockerImage:     "beammodel/bistro:0.0.4.5.0.25-SNAPSHOT",
			BeamPath:        ".",
			Scenario:        "sioux_faux",
			SampleSize:      "15k",
			SimulationIters: 30,
			LastIteration:   30,
			RunDirDepth:     2,
			Timeout:         6 * time.Hour,
		},
		Scoring: ScoringConfig{
			StandardsPath:      "fixed_data/standardizationParameters.csv",
			ScoringWeightsPath: "fixed_data/scoringWeights.csv",
			Profile:            "pricing",
			ReferenceFactor:    5,
		},
		Search: SearchConfig{
			Algorithm:     "tpe",
			Evaluations:   100,
			Seed:          123,
			Parallel:      1,
			StartupTrials: 10,
			PopSize:       20,
			Threshold:     0.001,
			GridMaxPoints: 10000,
			StudyName:     "bistro",
		},
		Cordons: CordonConfig{
			Count:     1,
			MinX:      676949,
			MaxX:      689624,
			MinY:      4818750,
			MaxY:      4832294,
			MinRadius: 0,
			MaxRadius: 4832294 - 4818750,
			MinToll:   0,
			MaxToll:   10,
			TollStep:  0.1,
			Divisions: 50,
		},
		Incentives: IncentiveConfig{
			IncomeInterval:  1000,
			SubsidyInterval: 0.5,
		},
		Storage: StorageConfig{
			DataDir: "./data",
			DBPath:  "./data/trials.db",
		},
		Output: OutputConfig{
			ResultsPath: "./results",
			NetworkPath: "fixed-data/sioux_faux/network.csv",
			Clean:       true,
		},
	}
}

// Load reads a YAML settings file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the settings as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BISTRO_BEAM_PATH"); v != "" {
		c.Simulator.BeamPath = v
	}
	if v := os.Getenv("BISTRO_DOCKER_IMAGE"); v != "" {
		c.Simulator.DockerImage = v
	}
	if v := os.Getenv("BISTRO_RESULTS_PATH"); v != "" {
		c.Output.ResultsPath = v
	}
	if v := os.Getenv("BISTRO_STANDARDS"); v != "" {
		c.Scoring.StandardsPath = v
	}
	if v := os.Getenv("BISTRO_DB"); v != "" {
		c.Storage.DBPath = v
	}
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Simulator.DockerImage == "" {
		return &FieldError{Field: "simulator.docker_image", Reason: "cannot be empty"}
	}
	if c.Simulator.RunDirDepth < 0 {
		return &FieldError{Field: "simulator.run_dir_depth", Reason: "cannot be negative"}
	}
	if c.Output.ResultsPath == "" {
		return &FieldError{Field: "output.results_path", Reason: "cannot be empty"}
	}
	if c.Search.Evaluations <= 0 {
		return &FieldError{Field: "search.evaluations", Reason: "must be positive"}
	}
	if c.Search.Parallel <= 0 {
		return &FieldError{Field: "search.parallel", Reason: "must be positive"}
	}
	if c.Scoring.ReferenceFactor <= 0 {
		return &FieldError{Field: "scoring.reference_factor", Reason: "must be positive"}
	}

	cord := c.Cordons
	if cord.Count < 0 {
		return &FieldError{Field: "cordons.count", Reason: "cannot be negative"}
	}
	if cord.Count > 0 {
		if cord.MaxX < cord.MinX || cord.MaxY < cord.MinY {
			return &FieldError{Field: "cordons", Reason: "bounds are inverted"}
		}
		if cord.MaxToll < cord.MinToll {
			return &FieldError{Field: "cordons.max_price_per_mile", Reason: "below minimum"}
		}
		if len(cord.Centers) != len(cord.Radii) {
			return &FieldError{Field: "cordons.centers", Reason: "must have one radius per centre"}
		}
		if len(cord.Centers) > 0 && len(cord.Centers) < cord.Count {
			return &FieldError{Field: "cordons.centers", Reason: "fewer centres than cordons"}
		}
	}

	inc := c.Incentives
	if len(inc.Modes) > 0 {
		if inc.Levels <= 0 {
			return &FieldError{Field: "incentives.levels", Reason: "must be positive when modes are set"}
		}
		if len(inc.SubsidyRanges) != len(inc.Modes) {
			return &FieldError{Field: "incentives.subsidy_ranges", Reason: "must have one range per mode group"}
		}
		if inc.IncomeInterval <= 0 || inc.SubsidyInterval <= 0 {
			return &FieldError{Field: "incentives", Reason: "intervals must be positive"}
		}
	}

	for i, f := range c.Fares {
		if f.Max < f.Min {
			return &FieldError{Field: fmt.Sprintf("fares[%d]", i), Reason: "max below min"}
		}
	}
	for i, f := range c.Transit.Frequencies {
		if f.EndTime <= f.StartTime || f.HeadwaySecs <= 0 {
			return &FieldError{Field: fmt.Sprintf("transit.frequencies[%d]", i), Reason: "needs a positive window and headway"}
		}
	}
	return nil
}

// FixedDataDir returns the fixed-data directory mounted into the container.
func (c *Config) FixedDataDir() string {
	return filepath.Join(c.Simulator.BeamPath, "fixed-data")
}

// FieldError reports an invalid settings field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return "invalid config: " + e.Field + " " + e.Reason
}
