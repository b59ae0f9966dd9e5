package mls

import "encoding/json"

// Commit advances the group from Epoch to Epoch+1 by adding one member.
type Commit struct {
	GroupID   []byte     `json:"group_id"`
	Epoch     uint64     `json:"epoch"`
	Committer MemberID   `json:"committer"`
	Add       KeyPackage `json:"add"`
	Nonce     []byte     `json:"nonce"`
	Sealed    []byte     `json:"sealed"`
	Signature []byte     `json:"signature,omitempty"`
}

func (c Commit) tbs() []byte {
	c.Signature = nil
	b, _ := json.Marshal(c)
	return b
}

// Welcome carries the group state for a newly admitted member.
type Welcome struct {
	GroupID       []byte   `json:"group_id"`
	Epoch         uint64   `json:"epoch"`
	Members       []Member `json:"members"`
	KeyPackageRef []byte   `json:"key_package_ref"`
	EphemeralKey  []byte   `json:"ephemeral_key"`
	Nonce         []byte   `json:"nonce"`
	Sealed        []byte   `json:"sealed"`
	Committer     MemberID `json:"committer"`
	Signature     []byte   `json:"signature,omitempty"`
}

func (w Welcome) tbs() []byte {
	w.Signature = nil
	b, _ := json.Marshal(w)
	return b
}

// ApplicationMessage is an encrypted payload bound to one epoch.
type ApplicationMessage struct {
	GroupID    []byte   `json:"group_id"`
	Epoch      uint64   `json:"epoch"`
	Sender     MemberID `json:"sender"`
	Nonce      []byte   `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
	Signature  []byte   `json:"signature,omitempty"`
}

func (m ApplicationMessage) tbs() []byte {
	m.Signature = nil
	b, _ := json.Marshal(m)
	return b
}

func (m ApplicationMessage) aad() []byte {
	return append(epochContext(m.GroupID, m.Epoch), []byte(m.Sender)...)
}
