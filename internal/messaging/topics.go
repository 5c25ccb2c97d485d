package messaging

// Kafka topics
const (
	TopicJobs   = "miner.jobs"   // every job handed to the devices
	TopicShares = "miner.shares" // submissions and pool replies
	TopicStats  = "miner.stats"  // periodic summaries
)

// ZMQ PUB topics, sent as the first frame of every message
const (
	ZMQTopicJob   = "job"
	ZMQTopicShare = "share"
	ZMQTopicStats = "stats"
)

// KafkaTopic returns the Kafka topic carrying events of type t
func KafkaTopic(t EventType) string {
	switch t {
	case EventJob:
		return TopicJobs
	case EventStats:
		return TopicStats
	default:
		return TopicShares
	}
}

// ZMQTopic returns the PUB topic carrying events of type t
func ZMQTopic(t EventType) string {
	switch t {
	case EventJob:
		return ZMQTopicJob
	case EventStats:
		return ZMQTopicStats
	default:
		return ZMQTopicShare
	}
}
