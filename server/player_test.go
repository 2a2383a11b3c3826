package server

import "testing"

func TestPlayerStepFixedPointWhenIdleAndGrounded(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.Spawn(200, GroundY)

	p.Step(0.05)

	if p.X != 200 || p.Y != GroundY || p.VY != 0 {
		t.Fatalf("expected fixed point, got x=%v y=%v vy=%v", p.X, p.Y, p.VY)
	}
	if p.State != StateIdle {
		t.Fatalf("expected idle state, got %v", p.State)
	}
}

func TestPlayerStepJumpPhysicsMatchesReferenceTrajectory(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.Spawn(200, GroundY)
	dt := 0.05

	p.QueueInput(1, []string{"jump"})
	p.Step(dt)

	wantVY := JumpVelocity + Gravity*dt
	wantY := GroundY + JumpVelocity*dt
	if p.VY != wantVY {
		t.Fatalf("tick1 vy: want %v got %v", wantVY, p.VY)
	}
	if p.Y != wantY {
		t.Fatalf("tick1 y: want %v got %v", wantY, p.Y)
	}
	if p.State != StateJumping {
		t.Fatalf("tick1 state: want jumping got %v", p.State)
	}

	landed := false
	for i := 0; i < 40; i++ {
		p.Step(dt)
		if p.onGround() && p.VY == 0 {
			landed = true
			break
		}
	}
	if !landed {
		t.Fatalf("expected player to return to ground within 40 ticks, y=%v vy=%v", p.Y, p.VY)
	}
	if p.State != StateIdle {
		t.Fatalf("expected idle state after landing, got %v", p.State)
	}
}

func TestPlayerStepJumpIgnoredWhenAirborne(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.Spawn(200, GroundY)

	p.QueueInput(1, []string{"jump"})
	p.Step(0.05)
	firstVY := p.VY

	p.QueueInput(2, []string{"jump"})
	p.Step(0.05)

	if p.VY == firstVY {
		t.Fatalf("expected airborne jump to be ignored, vy changed unexpectedly")
	}
}

func TestPlayerStepHorizontalMovementSetsRunningAndFacing(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.Spawn(200, GroundY)

	p.QueueInput(1, []string{"left"})
	p.Step(0.05)

	if p.Facing != FacingLeft {
		t.Fatalf("expected facing left, got %v", p.Facing)
	}
	if p.State != StateRunning {
		t.Fatalf("expected running state, got %v", p.State)
	}
	if p.VX != -MoveSpeed {
		t.Fatalf("expected vx=%v, got %v", -MoveSpeed, p.VX)
	}
}

func TestPlayerStepClampsToMapBounds(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.Spawn(0, GroundY)

	p.QueueInput(1, []string{"left"})
	p.Step(10)

	if p.X != 0 {
		t.Fatalf("expected x clamped to 0, got %v", p.X)
	}

	p.Spawn(MapWidth, GroundY)
	p.QueueInput(1, []string{"right"})
	p.Step(10)

	if p.X != MapWidth {
		t.Fatalf("expected x clamped to %v, got %v", MapWidth, p.X)
	}
}

func TestPlayerStepDeadStateShortCircuits(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.Spawn(200, GroundY)
	p.Health = 0

	p.QueueInput(1, []string{"right"})
	p.Step(0.05)

	if p.State != StateDead {
		t.Fatalf("expected dead state, got %v", p.State)
	}
	if p.VX != 0 {
		t.Fatalf("expected vx reset to 0 for dead player, got %v", p.VX)
	}
	if p.X != 200 {
		t.Fatalf("expected dead player not to move, got x=%v", p.X)
	}
}

func TestPlayerQueueInputCapsActionCount(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	actions := make([]string, maxActionsSize+10)
	for i := range actions {
		actions[i] = "right"
	}

	if truncated := p.QueueInput(5, actions); !truncated {
		t.Fatalf("expected truncated=true for an oversized action list")
	}

	if len(p.pendingActions) != maxActionsSize {
		t.Fatalf("expected actions capped to %d, got %d", maxActionsSize, len(p.pendingActions))
	}
}

func TestPlayerGameViewRoundsSpatialFields(t *testing.T) {
	p := NewPlayer("p1", "Alice")
	p.X, p.Y, p.VX, p.VY = 123.456, 77.449, -10.05, 0.04

	v := p.gameView()

	if v.X != 123.5 || v.Y != 77.4 || v.VX != -10.1 || v.VY != 0.0 {
		t.Fatalf("unexpected rounding: %+v", v)
	}
}
