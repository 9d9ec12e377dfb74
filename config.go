// Copyright 2023 Riverline, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shardcore

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultFlushInterval = 50 * time.Millisecond
const DefaultMetaRefreshInterval = 200 * time.Millisecond
const DefaultInitRetryDelay = 3 * time.Second
const DefaultRegistrationRetryDelay = 3 * time.Second
const DefaultCommitterMaxBatch = 1000
const DefaultCommitterMaxInterval = 5 * time.Second
const DefaultCommitterParallelism = 1
const DefaultReplayTimeout = 5 * time.Minute
const DefaultHealthCheckDeadline = 2 * time.Second

// CommitterConfig bounds the offset committer of the consumed stream.
type CommitterConfig struct {
	// The maximum number of offsets to accumulate before a commit is issued.
	MaxBatch int
	// Once this much time has passed since the previous commit, the next offset added
	// triggers a commit of everything pending. The check runs only as offsets arrive;
	// there is no timer, so pending offsets otherwise wait for the batch size or the
	// drain on stop.
	MaxInterval time.Duration
	// The number of commit requests that may be in flight at once.
	Parallelism int
}

// Config carries everything the coordination core needs to run one application.
type Config struct {
	// Seed brokers for the log cluster.
	Brokers []string
	// The consumer group / application identity. Also used to derive topic names when
	// EventsTopic/StateTopic are left empty.
	ApplicationId string
	// Topic receiving domain events.
	EventsTopic string
	// The tracked topic: compacted, one state record per entity, partitioned identically
	// to the write path. Assignments and publishers are keyed by its partitions.
	StateTopic string
	// Partition count of the tracked topic. Corrected by CreateTopology.
	NumPartitions     int
	ReplicationFactor int
	MinInSync         int
	// Prefix for producer transactional ids. The full id is "<prefix>-<topic>-<partition>".
	// The prefix must be unique per application cluster: two deployments sharing a prefix
	// will fence each other's publishers.
	TransactionalIdPrefix string
	// When true, pin client.id and group.instance.id so a bounced process rejoins
	// without triggering a rebalance.
	ReuseConsumerId bool
	// The (host, port) this node advertises to the host-aware assignor and to peer routers.
	AdvertisedHost string
	AdvertisedPort uint16
	// Start the router in DR-standby: track assignments but create no local regions
	// until a routable command arrives.
	DRStandbyEnabled bool
	// How often the publisher drains pending writes into a transaction.
	FlushInterval time.Duration
	// Upper bound for a full stop-rewind-restart replay cycle.
	EntireReplayTimeout time.Duration
	Committer           CommitterConfig
}

// IsZero returns true if Config is entirely uninitialized. Used to determine whether a
// component should fall back to the package Default* values.
func (cfg Config) IsZero() bool {
	return len(cfg.Brokers) == 0 && cfg.ApplicationId == "" && cfg.StateTopic == "" &&
		cfg.NumPartitions == 0 && cfg.FlushInterval == 0
}

func (cfg *Config) applyDefaults() {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.EntireReplayTimeout == 0 {
		cfg.EntireReplayTimeout = DefaultReplayTimeout
	}
	if cfg.Committer.MaxBatch == 0 {
		cfg.Committer.MaxBatch = DefaultCommitterMaxBatch
	}
	if cfg.Committer.MaxInterval == 0 {
		cfg.Committer.MaxInterval = DefaultCommitterMaxInterval
	}
	if cfg.Committer.Parallelism == 0 {
		cfg.Committer.Parallelism = DefaultCommitterParallelism
	}
	if cfg.TransactionalIdPrefix == "" {
		cfg.TransactionalIdPrefix = cfg.ApplicationId
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = cfg.ApplicationId + "_events"
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = cfg.ApplicationId + "_state"
	}
}

func (cfg Config) validate() {
	if len(cfg.Brokers) == 0 {
		panic("Config.Brokers is empty")
	}
	if cfg.ApplicationId == "" {
		panic("Config.ApplicationId is empty")
	}
	if cfg.NumPartitions < 1 {
		panic("Config.NumPartitions is less than 1")
	}
	if cfg.FlushInterval < time.Millisecond {
		panic("Config.FlushInterval is less than 1ms")
	}
	if cfg.Committer.MaxBatch < 1 {
		panic("Config.Committer.MaxBatch is less than 1")
	}
	if cfg.Committer.MaxInterval < time.Millisecond {
		panic("Config.Committer.MaxInterval is less than 1ms")
	}
	if cfg.Committer.Parallelism < 1 {
		panic("Config.Committer.Parallelism is less than 1")
	}
}

// The on-disk representation of Config. Key names follow the deployment convention:
//
//	log:
//	  brokers: "kafka-1:9092,kafka-2:9092"
//	application_id: orders
//	reuse_consumer_id: true
//	committer:
//	  max_batch: 1000
//	  max_interval: 5s
//	  parallelism: 2
//	publisher:
//	  flush_interval: 50ms
//	dr_standby_enabled: false
//	entire_replay_timeout: 5m
type configFile struct {
	Log struct {
		Brokers string `yaml:"brokers"`
	} `yaml:"log"`
	ApplicationId   string `yaml:"application_id"`
	EventsTopic     string `yaml:"events_topic"`
	StateTopic      string `yaml:"state_topic"`
	NumPartitions   int    `yaml:"num_partitions"`
	Replication     int    `yaml:"replication_factor"`
	MinInSync       int    `yaml:"min_insync"`
	TxnIdPrefix     string `yaml:"transactional_id_prefix"`
	ReuseConsumerId bool   `yaml:"reuse_consumer_id"`
	Host            string `yaml:"advertised_host"`
	Port            uint16 `yaml:"advertised_port"`
	Publisher       struct {
		FlushInterval yamlDuration `yaml:"flush_interval"`
	} `yaml:"publisher"`
	Committer struct {
		MaxBatch    int          `yaml:"max_batch"`
		MaxInterval yamlDuration `yaml:"max_interval"`
		Parallelism int          `yaml:"parallelism"`
	} `yaml:"committer"`
	DRStandbyEnabled    bool         `yaml:"dr_standby_enabled"`
	EntireReplayTimeout yamlDuration `yaml:"entire_replay_timeout"`
}

// yamlDuration accepts "50ms" / "2s" style duration strings.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = yamlDuration(parsed)
	return nil
}

// LoadConfig reads a YAML config file, applies defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes into a validated Config.
func ParseConfig(data []byte) (Config, error) {
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, err
	}
	cfg := Config{
		ApplicationId:         file.ApplicationId,
		EventsTopic:           file.EventsTopic,
		StateTopic:            file.StateTopic,
		NumPartitions:         file.NumPartitions,
		ReplicationFactor:     file.Replication,
		MinInSync:             file.MinInSync,
		TransactionalIdPrefix: file.TxnIdPrefix,
		ReuseConsumerId:       file.ReuseConsumerId,
		AdvertisedHost:        file.Host,
		AdvertisedPort:        file.Port,
		DRStandbyEnabled:      file.DRStandbyEnabled,
		FlushInterval:         time.Duration(file.Publisher.FlushInterval),
		EntireReplayTimeout:   time.Duration(file.EntireReplayTimeout),
		Committer: CommitterConfig{
			MaxBatch:    file.Committer.MaxBatch,
			MaxInterval: time.Duration(file.Committer.MaxInterval),
			Parallelism: file.Committer.Parallelism,
		},
	}
	for _, broker := range strings.Split(file.Log.Brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.Brokers = append(cfg.Brokers, broker)
		}
	}
	cfg.applyDefaults()
	if err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("invalid config: %v", r)
			}
		}()
		cfg.validate()
		return nil
	}(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
