package p2p

// Metric family names emitted by transports.
const (
	MetricP2PMessagesTotal = "p2p_msgs_total"        // {topic,direction,result}
	MetricP2PBytesTotal    = "p2p_bytes_total"       // {topic,direction}
	MetricP2PPeerEvents    = "p2p_peer_events_total" // {event}
)
