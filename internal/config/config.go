package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config 应用配置
type Config struct {
	Port         string
	DBPath       string
	JWTSecret    string
	LogLevel     string
	Location     *time.Location
	TickInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	Proximity ProximityConfig
	Dwell     DwellConfig
	Integrity IntegrityConfig
	Challenge ChallengeConfig
	Ledger    LedgerConfig
}

// ProximityConfig holds the hangout state machine thresholds.
type ProximityConfig struct {
	QualifyDistanceMeters float64
	BreachDistanceMeters  float64
	MaxAccuracyMeters     float64
	SampleFreshness       time.Duration
	StaleAfter            time.Duration
	ActivateAfter         time.Duration
	MergeGap              time.Duration
	RetainWindow          time.Duration
}

// DwellConfig holds the geofence dwell thresholds.
type DwellConfig struct {
	SufficientAccuracyMeters float64
	MinAccuracyRatio         float64
	MaxSampleGap             time.Duration
}

// IntegrityConfig holds the scorer weights and heuristic thresholds. None of
// these are calibrated; they are exposed so deployments can tune them.
type IntegrityConfig struct {
	WeightLow          float64
	WeightMedium       float64
	WeightHigh         float64
	Threshold          float64
	RecoveryPerDay     float64
	ClockTolerance     time.Duration
	StationaryWindow   time.Duration
	StationaryRadius   float64
	RapidSpeedKmh      float64
	RapidSustainMedium time.Duration
	RapidSustainHigh   time.Duration
	ImpossibleSpeedKmh float64
	InconsistencySlack float64
	Retention          time.Duration
}

// ChallengeConfig holds evaluator and scheduler settings.
type ChallengeConfig struct {
	SweepInterval      time.Duration
	SweepConcurrency   int
	VerifierTimeout    time.Duration
	VerifierAttempts   int
	VerifierBackoff    time.Duration
	VerifierMaxBackoff time.Duration
	GroupBonusPoints   int64
	TriggerQueueSize   int
}

// LedgerConfig holds bonus settings applied by the ledger.
type LedgerConfig struct {
	HangoutBonusPoints     int64
	HangoutBonusMinSeconds float64
}

// Load 加载配置: .env, then environment, then defaults
func Load() *Config {
	_ = godotenv.Load()

	loc, err := time.LoadLocation(getString("TIMEZONE", "UTC"))
	if err != nil {
		loc = time.UTC
	}

	return &Config{
		Port:         getString("PORT", ":8080"),
		DBPath:       getString("DB_PATH", "./data/circles.db"),
		JWTSecret:    getString("JWT_SECRET", "your-secret-key-change-in-production"),
		LogLevel:     getString("LOG_LEVEL", "info"),
		Location:     loc,
		TickInterval: getDuration("TICK_INTERVAL", 30*time.Second),
		KafkaBrokers: getList("KAFKA_BROKERS"),
		KafkaTopic:   getString("KAFKA_TOPIC", "circles.events"),
		Proximity: ProximityConfig{
			QualifyDistanceMeters: getFloat("PROXIMITY_QUALIFY_METERS", 15),
			BreachDistanceMeters:  getFloat("PROXIMITY_BREACH_METERS", 25),
			MaxAccuracyMeters:     getFloat("PROXIMITY_MAX_ACCURACY_METERS", 30),
			SampleFreshness:       getDuration("PROXIMITY_FRESHNESS", 2*time.Minute),
			StaleAfter:            getDuration("PROXIMITY_STALE_AFTER", 3*time.Minute),
			ActivateAfter:         getDuration("PROXIMITY_ACTIVATE_AFTER", 60*time.Second),
			MergeGap:              getDuration("PROXIMITY_MERGE_GAP", 2*time.Minute),
			RetainWindow:          getDuration("PROXIMITY_RETAIN_WINDOW", 2*time.Minute),
		},
		Dwell: DwellConfig{
			SufficientAccuracyMeters: getFloat("DWELL_SUFFICIENT_ACCURACY_METERS", 50),
			MinAccuracyRatio:         getFloat("DWELL_MIN_ACCURACY_RATIO", 0.80),
			MaxSampleGap:             getDuration("DWELL_MAX_SAMPLE_GAP", 5*time.Minute),
		},
		Integrity: IntegrityConfig{
			WeightLow:          getFloat("INTEGRITY_WEIGHT_LOW", 0.02),
			WeightMedium:       getFloat("INTEGRITY_WEIGHT_MEDIUM", 0.08),
			WeightHigh:         getFloat("INTEGRITY_WEIGHT_HIGH", 0.25),
			Threshold:          getFloat("INTEGRITY_THRESHOLD", 0.5),
			RecoveryPerDay:     getFloat("INTEGRITY_RECOVERY_PER_DAY", 0.1),
			ClockTolerance:     getDuration("INTEGRITY_CLOCK_TOLERANCE", 5*time.Minute),
			StationaryWindow:   getDuration("INTEGRITY_STATIONARY_WINDOW", 10*time.Minute),
			StationaryRadius:   getFloat("INTEGRITY_STATIONARY_RADIUS_METERS", 30),
			RapidSpeedKmh:      getFloat("INTEGRITY_RAPID_SPEED_KMH", 140),
			RapidSustainMedium: getDuration("INTEGRITY_RAPID_SUSTAIN_MEDIUM", time.Minute),
			RapidSustainHigh:   getDuration("INTEGRITY_RAPID_SUSTAIN_HIGH", 5*time.Minute),
			ImpossibleSpeedKmh: getFloat("INTEGRITY_IMPOSSIBLE_SPEED_KMH", 900),
			InconsistencySlack: getFloat("INTEGRITY_INCONSISTENCY_SLACK_METERS", 200),
			Retention:          getDuration("INTEGRITY_RETENTION", 30*24*time.Hour),
		},
		Challenge: ChallengeConfig{
			SweepInterval:      getDuration("SWEEP_INTERVAL", 5*time.Minute),
			SweepConcurrency:   getInt("SWEEP_CONCURRENCY", 4),
			VerifierTimeout:    getDuration("VERIFIER_TIMEOUT", 10*time.Second),
			VerifierAttempts:   getInt("VERIFIER_ATTEMPTS", 3),
			VerifierBackoff:    getDuration("VERIFIER_BACKOFF", 500*time.Millisecond),
			VerifierMaxBackoff: getDuration("VERIFIER_MAX_BACKOFF", 5*time.Second),
			GroupBonusPoints:   int64(getInt("GROUP_BONUS_POINTS", 5)),
			TriggerQueueSize:   getInt("TRIGGER_QUEUE_SIZE", 256),
		},
		Ledger: LedgerConfig{
			HangoutBonusPoints:     int64(getInt("HANGOUT_BONUS_POINTS", 10)),
			HangoutBonusMinSeconds: getFloat("HANGOUT_BONUS_MIN_SECONDS", 15*60),
		},
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getDuration accepts Go duration strings ("90s", "5m").
func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
