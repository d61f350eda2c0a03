package eventbus

// Priority ranks a topic when deciding what may be dropped under load.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityCritical Priority = 2
)

// DeliveryStrategy picks what happens once a subscriber's channel is full.
type DeliveryStrategy string

const (
	// StrategyDropOldest evicts the oldest queued event to make room.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event instead.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyOverflow parks events in a capped ring that a goroutine
	// drains back into the channel.
	StrategyOverflow DeliveryStrategy = "overflow"
)

// DeliveryPolicy is a topic's backpressure contract.
type DeliveryPolicy struct {
	Strategy    DeliveryStrategy
	Priority    Priority
	MaxOverflow int // ring buffer cap for StrategyOverflow (0 = defaultMaxOverflow)
}

const defaultMaxOverflow = 512

// defaultPolicy covers topics absent from defaultPolicies.
var defaultPolicy = DeliveryPolicy{
	Strategy: StrategyDropOldest,
	Priority: PriorityNormal,
}

// defaultPolicies assigns each core topic a backpressure contract.
var defaultPolicies = map[Topic]DeliveryPolicy{
	// Critical: a drop here loses audit trail or an eviction trigger.
	TopicAuditSecurity:     {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicAnomalyDetected:   {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicPluginsLifecycle:  {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},
	TopicResourcesPressure: {Strategy: StrategyOverflow, Priority: PriorityCritical, MaxOverflow: defaultMaxOverflow},

	// Normal: high-volume diagnostics that tolerate occasional drops.
	TopicNetPolicyVerdict: {Strategy: StrategyDropOldest, Priority: PriorityNormal},
	TopicResourcesSample:  {Strategy: StrategyDropOldest, Priority: PriorityNormal},

	// Low: informational and already rate-limited at the producer.
	TopicRateLimitExceeded: {Strategy: StrategyDropNewest, Priority: PriorityLow},
}

// policyFor resolves a topic's policy, overrides first, then defaults.
func policyFor(topic Topic, overrides map[Topic]DeliveryPolicy) DeliveryPolicy {
	if overrides != nil {
		if p, ok := overrides[topic]; ok {
			return p
		}
	}
	if p, ok := defaultPolicies[topic]; ok {
		return p
	}
	return defaultPolicy
}
