package rewind

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// pollStacksUp checks names up to attempts times, interval apart. It returns
// which stacks were up at the last check. The error is the last reason the
// poll gave up, nil when all stacks came up.
func pollStacksUp(ctx context.Context, cp ControlPlane, rt Runtime, names []string, attempts int, interval time.Duration) (map[string]bool, error) {
	up := map[string]bool{}
	err := retry.Do(
		func() error {
			current, err := stacksUp(ctx, cp, rt, names)
			if err != nil {
				return err
			}
			up = current
			var pending []string
			for _, n := range names {
				if !up[n] {
					pending = append(pending, n)
				}
			}
			if len(pending) > 0 {
				return fmt.Errorf("waiting for %s", strings.Join(pending, ", "))
			}
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	return up, err
}

// stacksUp reports, per name, whether the control plane has the stack active
// and all of its containers are running and not unhealthy.
func stacksUp(ctx context.Context, cp ControlPlane, rt Runtime, names []string) (map[string]bool, error) {
	registered, err := cp.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stacks: %w", err)
	}
	containers, err := rt.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	active := map[string]bool{}
	for _, s := range registered {
		active[s.Name] = s.Status == StackActive
	}
	seen := map[string]int{}
	down := map[string]bool{}
	for _, c := range containers {
		if c.Project == "" {
			continue
		}
		seen[c.Project]++
		if !c.Up() {
			down[c.Project] = true
		}
	}

	up := make(map[string]bool, len(names))
	for _, n := range names {
		up[n] = active[n] && seen[n] > 0 && !down[n]
	}
	return up, nil
}
