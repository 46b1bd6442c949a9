package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func members(d *directory) []any {
	var out []any
	d.each(func(sub any) { out = append(out, sub) })
	return out
}

func TestDirectory_InsertionOrder(t *testing.T) {
	d := newDirectory()
	a, b, c := &plain{1}, &plain{2}, &plain{3}

	require.True(t, d.add(a))
	require.True(t, d.add(b))
	require.False(t, d.add(a))
	require.True(t, d.add(c))

	require.Equal(t, []any{a, b, c}, members(d))
	require.Equal(t, 3, d.len())
}

func TestDirectory_RemoveKeepsOrder(t *testing.T) {
	d := newDirectory()
	a, b, c := &plain{1}, &plain{2}, &plain{3}
	d.add(a)
	d.add(b)
	d.add(c)

	require.True(t, d.remove(b))
	require.False(t, d.remove(b))
	require.Equal(t, []any{a, c}, members(d))

	// Index stays consistent after a shift
	require.True(t, d.remove(c))
	require.Equal(t, []any{a}, members(d))
	require.True(t, d.contains(a))
	require.False(t, d.contains(c))

	d.add(b)
	require.Equal(t, []any{a, b}, members(d))
}

func TestDirectory_Clear(t *testing.T) {
	d := newDirectory()
	d.add(&plain{1})
	d.clear()

	require.Zero(t, d.len())
	require.Empty(t, members(d))
}

func TestChannel_AttachFiltersByContract(t *testing.T) {
	ch := newChannel[Greeter](nil, ContractOf[Greeter]())
	g := &greeter{id: "A"}

	require.True(t, ch.attach(g))
	require.False(t, ch.attach(g), "already attached")
	require.False(t, ch.attach(&plain{1}), "does not implement Greeter")
	require.Equal(t, 1, ch.len())
	require.True(t, ch.has(g))
}

func TestChannel_DetachKeepsOrder(t *testing.T) {
	ch := newChannel[Greeter](nil, ContractOf[Greeter]())
	a, b, c := &greeter{id: "A"}, &greeter{id: "B"}, &greeter{id: "C"}
	ch.attach(a)
	ch.attach(b)
	ch.attach(c)

	snap := ch.snapshot()
	require.True(t, ch.detach(a))
	require.False(t, ch.detach(a))

	require.Equal(t, []Greeter{b, c}, ch.snapshot())
	require.Equal(t, []Greeter{a, b, c}, snap, "snapshots are unaffected by later changes")

	require.True(t, ch.detach(c))
	require.Equal(t, []Greeter{b}, ch.snapshot())
}

func TestChannel_CloseIsPermanent(t *testing.T) {
	ch := newChannel[Greeter](nil, ContractOf[Greeter]())
	ch.attach(&greeter{id: "A"})

	ch.close()
	require.Zero(t, ch.len())
	require.False(t, ch.attach(&greeter{id: "B"}))
}

func TestChannel_DetachAllKeepsChannelOpen(t *testing.T) {
	ch := newChannel[Greeter](nil, ContractOf[Greeter]())
	ch.attach(&greeter{id: "A"})

	ch.detachAll()
	require.Zero(t, ch.len())
	require.True(t, ch.attach(&greeter{id: "B"}))
}

func TestContractOf(t *testing.T) {
	c := ContractOf[Greeter]()
	require.Equal(t, "notify.Greeter", c.Name())
	require.True(t, c.Satisfies(&greeter{}))
	require.True(t, c.Satisfies(&greeterFarewell{}))
	require.False(t, c.Satisfies(&plain{}))
	require.False(t, c.Satisfies(nil))

	require.Equal(t, c, ContractOf[Greeter](), "contracts compare equal by type")
	require.NotEqual(t, c.Type(), ContractOf[Farewell]().Type())
}

func TestContractOf_PanicsForConcreteType(t *testing.T) {
	require.Panics(t, func() { ContractOf[*greeter]() })
	require.Panics(t, func() { ContractOf[int]() })
}
