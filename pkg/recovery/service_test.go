package recovery_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilsafe/recoverd/internal/storage"
	"github.com/veilsafe/recoverd/internal/storage/dsstore"
	"github.com/veilsafe/recoverd/pkg/membership"
	"github.com/veilsafe/recoverd/pkg/recovery"
	"github.com/veilsafe/recoverd/pkg/types"
)

// testKey derives a deterministic identity/key pair from a name.
func testKey(name string) (types.Identity, ed25519.PrivateKey) {
	seed := sha256.Sum256([]byte(name))
	priv := ed25519.NewKeyFromSeed(seed[:])
	id, err := types.IdentityFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		panic(err)
	}
	return id, priv
}

// approvalSig signs the approval message binding friend to rescuer.
func approvalSig(friendKey ed25519.PrivateKey, rescuer types.Identity) types.Signature {
	sig, err := types.SignatureFromBytes(ed25519.Sign(friendKey, recovery.ApprovalMessage(rescuer)))
	if err != nil {
		panic(err)
	}
	return sig
}

type fakeClock struct {
	now uint64
}

func (c *fakeClock) Now() uint64 { return c.now }

type eventRecorder struct {
	events []recovery.Event
}

func (r *eventRecorder) Notify(_ context.Context, ev recovery.Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) last() recovery.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type dispatchRecorder struct {
	origins []types.Origin
	calls   []recovery.Call
}

func (d *dispatchRecorder) Dispatch(_ context.Context, origin types.Origin, call recovery.Call) error {
	d.origins = append(d.origins, origin)
	d.calls = append(d.calls, call)
	return nil
}

type testCall struct {
	cost uint64
}

func (c testCall) Cost() uint64 { return c.cost }

type fixture struct {
	svc      *recovery.Service
	store    storage.Store
	clock    *fakeClock
	events   *eventRecorder
	dispatch *dispatchRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := dsstore.NewMem()
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: 1}
	events := &eventRecorder{}
	dispatch := &dispatchRecorder{}

	svc, err := recovery.New(store,
		recovery.WithClock(clock),
		recovery.WithNotifier(events),
		recovery.WithDispatcher(dispatch),
	)
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, clock: clock, events: events, dispatch: dispatch}
}

// createConfig sets up a recovery config for owner over the given friends and
// returns the tree used for proofs.
func (f *fixture) createConfig(t *testing.T, owner types.Identity, friends []types.Identity, threshold uint16, delay uint64) *membership.Tree {
	t.Helper()
	tree := membership.NewTree(friends)
	err := f.svc.CreateRecovery(context.Background(), types.SignedOrigin(owner), tree.Root(), threshold, delay)
	require.NoError(t, err)
	return tree
}

func TestCreateRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	charlie, _ := testKey("charlie")
	dave, _ := testKey("dave")
	eve, _ := testKey("eve")

	tree := membership.NewTree([]types.Identity{charlie, dave, eve})
	require.NoError(t, f.svc.CreateRecovery(ctx, types.SignedOrigin(alice), tree.Root(), 2, 5))

	cfg, err := f.svc.Config(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), cfg.FriendsRoot)
	assert.Equal(t, uint16(2), cfg.Threshold)
	assert.Equal(t, uint64(5), cfg.DelayPeriod)
	assert.Equal(t, recovery.RecoveryConfigured{Protected: alice}, f.events.last())

	// Configs are immutable: a second create is rejected.
	err = f.svc.CreateRecovery(ctx, types.SignedOrigin(alice), tree.Root(), 3, 7)
	assert.ErrorIs(t, err, recovery.ErrAlreadyConfigured)
}

func TestCreateRecoveryRejectsZeroThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	charlie, _ := testKey("charlie")

	tree := membership.NewTree([]types.Identity{charlie})
	err := f.svc.CreateRecovery(ctx, types.SignedOrigin(alice), tree.Root(), 0, 5)
	assert.ErrorIs(t, err, recovery.ErrInvalidThreshold)

	// Nothing was written.
	_, err = f.svc.Config(ctx, alice)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRecoveryRequiresSignedOrigin(t *testing.T) {
	f := newFixture(t)
	err := f.svc.CreateRecovery(context.Background(), types.RootOrigin(), []byte{1}, 1, 1)
	assert.ErrorIs(t, err, recovery.ErrNotAllowed)
}

func TestInitiateRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, _ := testKey("charlie")

	// Not recoverable before a config exists.
	err := f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice)
	assert.ErrorIs(t, err, recovery.ErrNotRecoverable)

	f.createConfig(t, alice, []types.Identity{charlie}, 1, 5)

	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))
	assert.Equal(t, recovery.RecoveryInitiated{Protected: alice, Rescuer: bob}, f.events.last())

	rec, err := f.store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Created)
	assert.Empty(t, rec.Approved)

	// A second initiation for the same pair is rejected and the existing
	// entry is untouched.
	f.clock.now = 7
	err = f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice)
	assert.ErrorIs(t, err, recovery.ErrAlreadyStarted)

	rec, err = f.store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Created)
}

func TestApproveRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")
	dave, _ := testKey("dave")
	eve, _ := testKey("eve")
	_, maliciousKey := testKey("malicious")

	tree := f.createConfig(t, alice, []types.Identity{charlie, dave, eve}, 2, 10)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))

	charlieProof, err := tree.Prove(0)
	require.NoError(t, err)
	charlieSig := approvalSig(charlieKey, bob)

	// The target account must be recoverable.
	err = f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), charlie, bob, charlieSig, charlieProof)
	assert.ErrorIs(t, err, recovery.ErrNotRecoverable)

	// A signature by the wrong key fails even with charlie's valid proof.
	err = f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(maliciousKey, bob), charlieProof)
	assert.ErrorIs(t, err, recovery.ErrSignatureInvalid)

	// A proof against a different friend-set root fails even with
	// charlie's valid signature.
	otherTree := membership.NewTree([]types.Identity{charlie, dave})
	otherProof, err := otherTree.Prove(0)
	require.NoError(t, err)
	err = f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, charlieSig, otherProof)
	assert.ErrorIs(t, err, recovery.ErrMerkleProofInvalid)

	// A valid approval by charlie.
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, charlieSig, charlieProof))
	assert.Equal(t, recovery.ApprovedRecovery{Protected: alice, Rescuer: bob, Approver: charlie}, f.events.last())

	rec, err := f.store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, []types.Identity{charlie}, rec.Approved)

	// Charlie can't approve twice on the same attempt.
	err = f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, charlieSig, charlieProof)
	assert.ErrorIs(t, err, recovery.ErrAlreadyApproved)

	rec, err = f.store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Len(t, rec.Approved, 1)
}

func TestApproveRecoveryRequiresInitiation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")

	tree := f.createConfig(t, alice, []types.Identity{charlie}, 1, 5)
	proof, err := tree.Prove(0)
	require.NoError(t, err)

	err = f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(charlieKey, bob), proof)
	assert.ErrorIs(t, err, recovery.ErrNotStarted)
}

func TestApproveRecoverySignatureBindsRescuer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	mallory, _ := testKey("mallory")
	charlie, charlieKey := testKey("charlie")

	tree := f.createConfig(t, alice, []types.Identity{charlie}, 1, 5)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(mallory), alice))

	proof, err := tree.Prove(0)
	require.NoError(t, err)

	// Charlie approved bob; the same signature must not authorize
	// mallory's attempt.
	sigForBob := approvalSig(charlieKey, bob)
	err = f.svc.ApproveRecovery(ctx, types.SignedOrigin(mallory), alice, mallory, sigForBob, proof)
	assert.ErrorIs(t, err, recovery.ErrSignatureInvalid)

	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, sigForBob, proof))
}

func TestApproveRecoveryRejectsMalformedLeaf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")

	f.createConfig(t, alice, []types.Identity{charlie}, 1, 5)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))

	badProof := &membership.Proof{Value: []byte{1, 2, 3}, TreeSize: 1}
	err := f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(charlieKey, bob), badProof)
	assert.ErrorIs(t, err, recovery.ErrInconsistentProofValue)
}

func TestApprovalOrderIndependent(t *testing.T) {
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")
	dave, daveKey := testKey("dave")

	run := func(order []int) []types.Identity {
		f := newFixture(t)
		tree := f.createConfig(t, alice, []types.Identity{charlie, dave}, 2, 5)
		require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))

		keys := []ed25519.PrivateKey{charlieKey, daveKey}
		for _, i := range order {
			proof, err := tree.Prove(uint64(i))
			require.NoError(t, err)
			require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(keys[i], bob), proof))
		}

		rec, err := f.store.GetRecovery(ctx, alice, bob)
		require.NoError(t, err)
		return rec.Approved
	}

	forward := run([]int{0, 1})
	reverse := run([]int{1, 0})
	assert.Equal(t, forward, reverse)
	assert.Len(t, forward, 2)
}

func TestClaimRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")
	dave, daveKey := testKey("dave")
	eve, _ := testKey("eve")

	tree := f.createConfig(t, alice, []types.Identity{charlie, dave, eve}, 2, 10)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))

	charlieProof, err := tree.Prove(0)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(charlieKey, bob), charlieProof))

	// Delay has not elapsed: created=1, delay=10, now=1.
	err = f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), alice)
	assert.ErrorIs(t, err, recovery.ErrDelayPeriod)

	// Past the delay but only one approval of the required two.
	f.clock.now = 11
	err = f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), alice)
	assert.ErrorIs(t, err, recovery.ErrUnderThreshold)

	daveProof, err := tree.Prove(1)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(daveKey, bob), daveProof))

	require.NoError(t, f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), alice))
	assert.Equal(t, recovery.AccountRecovered{Protected: alice, Rescuer: bob}, f.events.last())

	// Proxy installed, rescuer pinned, ledger entry retired.
	target, err := f.svc.Proxy(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, alice, target)

	refs, err := f.store.AccountRefs(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), refs)

	_, err = f.store.GetRecovery(ctx, alice, bob)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimRecoveryRejectsSecondProxy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	zoe, _ := testKey("zoe")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")

	// Bob pursues recovery of both alice and zoe and completes alice's.
	aliceTree := f.createConfig(t, alice, []types.Identity{charlie}, 1, 0)
	zoeTree := f.createConfig(t, zoe, []types.Identity{charlie}, 1, 0)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), zoe))

	aliceProof, err := aliceTree.Prove(0)
	require.NoError(t, err)
	zoeProof, err := zoeTree.Prove(0)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(charlieKey, bob), aliceProof))
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), zoe, bob, approvalSig(charlieKey, bob), zoeProof))

	require.NoError(t, f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), alice))

	// A rescuer may hold a proxy for only one account at a time.
	err = f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), zoe)
	assert.ErrorIs(t, err, recovery.ErrAlreadyProxied)
}

func TestClaimRecoveryOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")

	tree := f.createConfig(t, alice, []types.Identity{charlie}, 1, math.MaxUint64)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))

	proof, err := tree.Prove(0)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, approvalSig(charlieKey, bob), proof))

	err = f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), alice)
	assert.ErrorIs(t, err, recovery.ErrOverflow)
}

func TestSetRecovered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	charlie, _ := testKey("charlie")

	// Not accessible by a normal user.
	err := f.svc.SetRecovered(ctx, types.SignedOrigin(charlie), alice, bob)
	assert.ErrorIs(t, err, recovery.ErrNotAllowed)

	// Root can install the proxy with no config or ledger state at all.
	require.NoError(t, f.svc.SetRecovered(ctx, types.RootOrigin(), alice, bob))
	assert.Equal(t, recovery.AccountRecovered{Protected: alice, Rescuer: bob}, f.events.last())

	// Bob can immediately forward calls as alice.
	call := testCall{cost: 500}
	require.NoError(t, f.svc.AsRecovered(ctx, types.SignedOrigin(bob), alice, call))
	require.Len(t, f.dispatch.origins, 1)
	signer, ok := f.dispatch.origins[0].Signer()
	require.True(t, ok)
	assert.Equal(t, alice, signer)
	assert.Equal(t, call, f.dispatch.calls[0])
}

func TestAsRecoveredChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")
	zoe, _ := testKey("zoe")

	call := testCall{cost: 100}

	// No proxy entry at all.
	err := f.svc.AsRecovered(ctx, types.SignedOrigin(bob), alice, call)
	assert.ErrorIs(t, err, recovery.ErrNotAllowed)

	require.NoError(t, f.svc.SetRecovered(ctx, types.RootOrigin(), alice, bob))

	// Proxy target differs from the requested account.
	err = f.svc.AsRecovered(ctx, types.SignedOrigin(bob), zoe, call)
	assert.ErrorIs(t, err, recovery.ErrNotAllowed)

	// Unsigned origin.
	err = f.svc.AsRecovered(ctx, types.RootOrigin(), alice, call)
	assert.ErrorIs(t, err, recovery.ErrNotAllowed)

	assert.Empty(t, f.dispatch.calls)
}

// TestConcurrentApprovalsAllStored submits every friend's approval from its
// own goroutine. Each call that reports success must land in the stored set:
// concurrent read-modify-write cycles must not overwrite each other.
func TestConcurrentApprovalsAllStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	bob, _ := testKey("bob")

	const n = 8
	friends := make([]types.Identity, n)
	keys := make([]ed25519.PrivateKey, n)
	for i := range friends {
		friends[i], keys[i] = testKey(fmt.Sprintf("friend-%d", i))
	}

	tree := f.createConfig(t, alice, friends, n, 0)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), alice))

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		proof, err := tree.Prove(uint64(i))
		require.NoError(t, err)
		sig := approvalSig(keys[i], bob)

		wg.Add(1)
		go func(i int, proof *membership.Proof, sig types.Signature) {
			defer wg.Done()
			errs[i] = f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), alice, bob, sig, proof)
		}(i, proof, sig)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "friend %d", i)
	}

	rec, err := f.store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Len(t, rec.Approved, n)

	approved := 0
	for _, ev := range f.events.events {
		if _, ok := ev.(recovery.ApprovedRecovery); ok {
			approved++
		}
	}
	assert.Equal(t, n, approved)
}

// TestConcurrentClaimsSingleProxy races one rescuer's claims against two
// accounts; exactly one may install the proxy.
func TestConcurrentClaimsSingleProxy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, _ := testKey("alice")
	zoe, _ := testKey("zoe")
	bob, _ := testKey("bob")
	charlie, charlieKey := testKey("charlie")

	for _, account := range []types.Identity{alice, zoe} {
		tree := f.createConfig(t, account, []types.Identity{charlie}, 1, 0)
		require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(bob), account))
		proof, err := tree.Prove(0)
		require.NoError(t, err)
		require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(bob), account, bob, approvalSig(charlieKey, bob), proof))
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, account := range []types.Identity{alice, zoe} {
		wg.Add(1)
		go func(i int, account types.Identity) {
			defer wg.Done()
			errs[i] = f.svc.ClaimRecovery(ctx, types.SignedOrigin(bob), account)
		}(i, account)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, recovery.ErrAlreadyProxied)
		}
	}
	assert.Equal(t, 1, succeeded)

	_, err := f.svc.Proxy(ctx, bob)
	assert.NoError(t, err)
}

func TestForwardCost(t *testing.T) {
	call := testCall{cost: 123}
	assert.Equal(t, uint64(123)+recovery.ForwardBaseCost, recovery.ForwardCost(call))
}

// TestEndToEndRecovery walks the full scenario: config with three friends,
// threshold 2 and delay 5; initiation at time 1; one approval; a premature
// claim; an under-threshold claim; a second approval; a successful claim.
func TestEndToEndRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, _ := testKey("owner")
	rescuer, _ := testKey("rescuer")
	f1, f1Key := testKey("friend-1")
	f2, f2Key := testKey("friend-2")
	f3, _ := testKey("friend-3")

	tree := f.createConfig(t, owner, []types.Identity{f1, f2, f3}, 2, 5)
	require.NoError(t, f.svc.InitiateRecovery(ctx, types.SignedOrigin(rescuer), owner))

	p1, err := tree.Prove(0)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(rescuer), owner, rescuer, approvalSig(f1Key, rescuer), p1))

	f.clock.now = 3
	assert.ErrorIs(t, f.svc.ClaimRecovery(ctx, types.SignedOrigin(rescuer), owner), recovery.ErrDelayPeriod)

	f.clock.now = 11
	assert.ErrorIs(t, f.svc.ClaimRecovery(ctx, types.SignedOrigin(rescuer), owner), recovery.ErrUnderThreshold)

	p2, err := tree.Prove(1)
	require.NoError(t, err)
	require.NoError(t, f.svc.ApproveRecovery(ctx, types.SignedOrigin(rescuer), owner, rescuer, approvalSig(f2Key, rescuer), p2))

	require.NoError(t, f.svc.ClaimRecovery(ctx, types.SignedOrigin(rescuer), owner))
	assert.Equal(t, recovery.AccountRecovered{Protected: owner, Rescuer: rescuer}, f.events.last())

	target, err := f.svc.Proxy(ctx, rescuer)
	require.NoError(t, err)
	assert.Equal(t, owner, target)
}
