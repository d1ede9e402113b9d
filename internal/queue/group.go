package queue

import (
	"fmt"
	"sort"
	"sync"
)

// Subscription is one group member's interest in a set of topics.
type Subscription struct {
	MemberID string
	Topics   []string
}

// AssignRoundRobin deals every partition of the subscribed topics to the
// members that subscribe to that topic, cycling through members in id order.
// Each partition ends up with exactly one owner.
func AssignRoundRobin(subs []Subscription, partitions map[string]int) map[string][]TopicPartition {
	members := make([]Subscription, len(subs))
	copy(members, subs)
	sort.Slice(members, func(i, j int) bool { return members[i].MemberID < members[j].MemberID })

	out := make(map[string][]TopicPartition, len(members))
	for _, m := range members {
		out[m.MemberID] = nil
	}

	topics := make([]string, 0, len(partitions))
	for t := range partitions {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	cursor := 0
	for _, topic := range topics {
		var owners []string
		for _, m := range members {
			if subscribes(m, topic) {
				owners = append(owners, m.MemberID)
			}
		}
		if len(owners) == 0 {
			continue
		}
		for p := 0; p < partitions[topic]; p++ {
			id := owners[cursor%len(owners)]
			out[id] = append(out[id], TopicPartition{Topic: topic, Partition: p})
			cursor++
		}
	}
	return out
}

func subscribes(s Subscription, topic string) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Group coordinates partition ownership between the consumers of one
// consumer group inside a process. Every Join and Leave triggers a full
// rebalance; revocations are delivered to all members before any member
// receives its new partitions, so a partition never has two owners.
type Group struct {
	id             string
	partitionCount func(topic string) (int, error)

	mu         sync.Mutex
	members    map[string]*groupMember
	generation int
}

type groupMember struct {
	sub      Subscription
	listener RebalanceListener
	owned    []TopicPartition
}

func NewGroup(id string, partitionCount func(topic string) (int, error)) *Group {
	return &Group{
		id:             id,
		partitionCount: partitionCount,
		members:        make(map[string]*groupMember),
	}
}

func (g *Group) ID() string { return g.id }

// Join adds a member and rebalances. Re-joining with the same id replaces the
// previous subscription.
func (g *Group) Join(memberID string, topics []string, l RebalanceListener) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range topics {
		if _, err := g.partitionCount(t); err != nil {
			return fmt.Errorf("group %s: %w", g.id, err)
		}
	}

	if m, ok := g.members[memberID]; ok {
		m.sub.Topics = topics
		m.listener = l
	} else {
		g.members[memberID] = &groupMember{
			sub:      Subscription{MemberID: memberID, Topics: topics},
			listener: l,
		}
	}
	return g.rebalanceLocked()
}

// Leave revokes the member's partitions and hands them to the remaining
// members.
func (g *Group) Leave(memberID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[memberID]
	if !ok {
		return nil
	}
	if len(m.owned) > 0 && m.listener != nil {
		m.listener.OnRevoked(m.owned)
	}
	m.owned = nil
	delete(g.members, memberID)
	return g.rebalanceLocked()
}

func (g *Group) Assignment(memberID string) []TopicPartition {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[memberID]
	if !ok {
		return nil
	}
	out := make([]TopicPartition, len(m.owned))
	copy(out, m.owned)
	return out
}

// Owner returns the member currently holding tp.
func (g *Group) Owner(tp TopicPartition) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, m := range g.members {
		for _, owned := range m.owned {
			if owned == tp {
				return id, true
			}
		}
	}
	return "", false
}

func (g *Group) Generation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

func (g *Group) rebalanceLocked() error {
	counts := make(map[string]int)
	subs := make([]Subscription, 0, len(g.members))
	for _, m := range g.members {
		subs = append(subs, m.sub)
		for _, t := range m.sub.Topics {
			if _, ok := counts[t]; ok {
				continue
			}
			n, err := g.partitionCount(t)
			if err != nil {
				return fmt.Errorf("group %s: %w", g.id, err)
			}
			counts[t] = n
		}
	}

	next := AssignRoundRobin(subs, counts)
	g.generation++

	// Revoke everywhere first.
	for id, m := range g.members {
		revoked := diff(m.owned, next[id])
		if len(revoked) > 0 && m.listener != nil {
			m.listener.OnRevoked(revoked)
		}
	}
	for id, m := range g.members {
		assigned := diff(next[id], m.owned)
		m.owned = next[id]
		if len(assigned) > 0 && m.listener != nil {
			m.listener.OnAssigned(assigned)
		}
	}
	return nil
}

// diff returns the partitions in a that are not in b.
func diff(a, b []TopicPartition) []TopicPartition {
	if len(a) == 0 {
		return nil
	}
	set := make(map[TopicPartition]struct{}, len(b))
	for _, tp := range b {
		set[tp] = struct{}{}
	}
	var out []TopicPartition
	for _, tp := range a {
		if _, ok := set[tp]; !ok {
			out = append(out, tp)
		}
	}
	return out
}
