// Package directory maps group members to the transport addresses they were
// last seen at.
//
// A Directory is not synchronized; the epoch synchronizer owns it.
package directory

import (
	"sort"

	"github.com/zmlAEQ/mlsnet/internal/mls"
	"github.com/zmlAEQ/mlsnet/internal/p2p"
)

// Entry is one member with its address; Peer is empty while unresolved.
type Entry struct {
	Member mls.MemberID
	Peer   p2p.PeerAddress
}

// Resolved reports whether the entry has a usable address.
func (e Entry) Resolved() bool { return e.Peer != "" }

type Directory struct {
	self   mls.MemberID
	byID   map[mls.MemberID]p2p.PeerAddress
	byPeer map[p2p.PeerAddress]mls.MemberID
	// lastKnown keeps the address of members unbound by a disconnect so a
	// reconnect of the same peer can restore them.
	lastKnown map[p2p.PeerAddress]mls.MemberID
}

// New returns an empty directory for the given local member.
func New(self mls.MemberID) *Directory {
	return &Directory{
		self:      self,
		byID:      make(map[mls.MemberID]p2p.PeerAddress),
		byPeer:    make(map[p2p.PeerAddress]mls.MemberID),
		lastKnown: make(map[p2p.PeerAddress]mls.MemberID),
	}
}

// Bind records member at peer, replacing any previous binding on either side.
func (d *Directory) Bind(member mls.MemberID, peer p2p.PeerAddress) {
	if old, ok := d.byID[member]; ok && old != "" {
		delete(d.byPeer, old)
	}
	if other, ok := d.byPeer[peer]; ok && other != member {
		d.byID[other] = ""
	}
	d.byID[member] = peer
	d.byPeer[peer] = member
	delete(d.lastKnown, peer)
}

// Add records member as unresolved unless it is already known.
func (d *Directory) Add(member mls.MemberID) {
	if _, ok := d.byID[member]; !ok {
		d.byID[member] = ""
	}
}

// Resolve returns the address of member, if bound.
func (d *Directory) Resolve(member mls.MemberID) (p2p.PeerAddress, bool) {
	p := d.byID[member]
	return p, p != ""
}

// Has reports whether member is in the directory.
func (d *Directory) Has(member mls.MemberID) bool {
	_, ok := d.byID[member]
	return ok
}

// Reconcile makes the member set equal to members. New members are added
// unresolved; members no longer present are dropped.
func (d *Directory) Reconcile(members []mls.MemberID) (added, removed []mls.MemberID) {
	want := make(map[mls.MemberID]struct{}, len(members))
	for _, m := range members {
		want[m] = struct{}{}
		if !d.Has(m) {
			d.Add(m)
			added = append(added, m)
		}
	}
	for m, p := range d.byID {
		if _, ok := want[m]; ok {
			continue
		}
		delete(d.byID, m)
		if p != "" {
			delete(d.byPeer, p)
		}
		for lp, lm := range d.lastKnown {
			if lm == m {
				delete(d.lastKnown, lp)
			}
		}
		removed = append(removed, m)
	}
	sortIDs(added)
	sortIDs(removed)
	return added, removed
}

// Disconnected unbinds whatever member sits at peer. It returns the member
// that lost its address.
func (d *Directory) Disconnected(peer p2p.PeerAddress) (mls.MemberID, bool) {
	m, ok := d.byPeer[peer]
	if !ok {
		return "", false
	}
	delete(d.byPeer, peer)
	d.byID[m] = ""
	d.lastKnown[peer] = m
	return m, true
}

// Connected rebinds a member that was unbound by a disconnect of peer, as
// long as it has not been bound elsewhere since.
func (d *Directory) Connected(peer p2p.PeerAddress) (mls.MemberID, bool) {
	m, ok := d.lastKnown[peer]
	if !ok {
		return "", false
	}
	delete(d.lastKnown, peer)
	if cur, present := d.byID[m]; !present || cur != "" {
		return "", false
	}
	d.Bind(m, peer)
	return m, true
}

// Destinations returns every resolved address except the local one.
func (d *Directory) Destinations() []p2p.PeerAddress {
	out := make([]p2p.PeerAddress, 0, len(d.byPeer))
	for p, m := range d.byPeer {
		if m == d.self {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of members, resolved or not.
func (d *Directory) Len() int { return len(d.byID) }

// Entries returns a sorted snapshot.
func (d *Directory) Entries() []Entry {
	out := make([]Entry, 0, len(d.byID))
	for m, p := range d.byID {
		out = append(out, Entry{Member: m, Peer: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return out
}

// Clear drops every entry.
func (d *Directory) Clear() {
	clear(d.byID)
	clear(d.byPeer)
	clear(d.lastKnown)
}

func sortIDs(ids []mls.MemberID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
