/*
Package testutil provides shared helpers for blueprint tests.

# Core helpers

  - Context helpers: TestContext, TestContextWithTimeout, CancelledContext,
    each registering Cleanup so no context leaks
  - Async helpers: AssertEventuallyTrue, WaitFor, WaitForChannel

# Subpackages

  - testutil/fixtures: document and task builders (Diamond, Chain,
    WithCheckpoint, WithFiles)
  - testutil/mocks: a scripted Dispatcher and Acknowledger with call
    recording and error injection

# Usage

	ctx := testutil.TestContext(t)
	doc := fixtures.Diamond()
	d := mocks.NewDispatcher().Fail("T2", errors.New("boom"))
*/
package testutil
