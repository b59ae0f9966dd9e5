package wire

// TopicPresence carries periodic node announcements used to find a join
// target. Presence is advisory only and never touches group state.
const TopicPresence = "mlsnet/presence/v1"

// Presence is one node's self-description.
type Presence struct {
	Peer    string `json:"peer"`
	State   string `json:"state"`
	Epoch   uint64 `json:"epoch"`
	Members int    `json:"members"`
	Group   string `json:"group,omitempty"`
	At      int64  `json:"at"` // unix millis at the sender
}

// HostsGroup reports whether the announcing node can admit new members.
func (p Presence) HostsGroup() bool { return p.State == "founder" || p.State == "member" }
