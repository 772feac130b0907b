package metrics

// Pre-defined metrics for the parameter server runtime. All metrics live in
// DefaultRegistry so they are globally accessible without passing a registry
// through every constructor.

var (
	// ---- Hash map metrics ----

	// MapKeyCount tracks the number of occupied slots of a partition's
	// ArrayHashMap, labeled by tensor name and partition rank.
	MapKeyCount = DefaultRegistry.Gauge("hashmap_key_count", "occupied slots in an ArrayHashMap partition", "tensor", "partition")
	// MapBucketCount tracks the current bucket array length.
	MapBucketCount = DefaultRegistry.Gauge("hashmap_bucket_count", "bucket array length of an ArrayHashMap partition", "tensor", "partition")

	// ---- Tensor store metrics ----

	// TensorPulls counts pull operations serviced by a partition.
	TensorPulls = DefaultRegistry.Counter("tensor_pulls_total", "pull operations serviced", "tensor")
	// TensorPushes counts push operations serviced by a partition.
	TensorPushes = DefaultRegistry.Counter("tensor_pushes_total", "push operations serviced", "tensor")
	// TensorPruned counts slots dropped by prune operations.
	TensorPruned = DefaultRegistry.Counter("tensor_pruned_total", "slots removed by prune", "tensor")

	// ---- Feature hashing metrics ----

	// FeaturesHashed counts feature fingerprints produced by combine expansion.
	FeaturesHashed = DefaultRegistry.Counter("features_hashed_total", "feature fingerprints produced")
	// FeatureHashLatency records combine expansion duration in milliseconds.
	FeatureHashLatency = DefaultRegistry.Histogram("feature_hash_latency_ms", "combine expansion latency")

	// ---- Transport metrics ----

	// MessagesSent counts messages handed to the transport for delivery.
	MessagesSent = DefaultRegistry.Counter("transport_messages_sent_total", "messages sent", "receiver_role")
	// MessagesReceived counts messages dispatched from the receiver goroutine.
	MessagesReceived = DefaultRegistry.Counter("transport_messages_received_total", "messages received", "sender_role")
	// MessagesDropped counts inbound or outbound messages dropped by fault
	// injection, duplicate suppression or a full inbox.
	MessagesDropped = DefaultRegistry.Counter("transport_messages_dropped_total", "messages dropped", "reason")
	// ResendAttempts counts retransmission attempts under reliable delivery.
	ResendAttempts = DefaultRegistry.Counter("transport_resend_attempts_total", "resend attempts")
	// ResendExhausted counts requests that exhausted their resend budget.
	ResendExhausted = DefaultRegistry.Counter("transport_resend_exhausted_total", "resend budget exhausted")

	// ---- Cluster / membership metrics ----

	// NodesAlive tracks the current count of live nodes per role.
	NodesAlive = DefaultRegistry.Gauge("cluster_nodes_alive", "live node count", "role")
	// DeadNodesDetected counts nodes marked dead by heartbeat timeout.
	DeadNodesDetected = DefaultRegistry.Counter("cluster_dead_nodes_total", "nodes marked dead by heartbeat timeout")
	// BarrierWaitLatency records how long a barrier call blocked, in milliseconds.
	BarrierWaitLatency = DefaultRegistry.Histogram("cluster_barrier_wait_ms", "barrier wait duration", "group")

	// ---- Error metrics ----

	// ProtocolErrors counts malformed peer-originated messages dropped at decode time.
	ProtocolErrors = DefaultRegistry.Counter("protocol_errors_total", "malformed messages dropped", "component")
	// CheckpointIOErrors counts checkpoint save/load I/O failures.
	CheckpointIOErrors = DefaultRegistry.Counter("checkpoint_io_errors_total", "checkpoint I/O failures", "op")
)
