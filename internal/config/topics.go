package config

// Topic partition counts for the auxiliary topics. The processing topic uses
// NUM_PARTITIONS.
const (
	// StatusPartitions is the partition count of the status topic. Status
	// events are consumed by a single result consumer.
	StatusPartitions = 1

	// DeadLetterPartitions is the partition count of the dead-letter topic.
	DeadLetterPartitions = 1
)

// Topics maps every topic the pipeline uses to its partition count.
func (c *Config) Topics() map[string]int {
	return map[string]int{
		c.ProcessingTopic: c.NumPartitions,
		c.StatusTopic:     StatusPartitions,
		c.DeadLetterTopic: DeadLetterPartitions,
	}
}
