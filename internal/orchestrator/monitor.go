package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/mailbox"
	"github.com/cbriice/agentswarm/internal/message"
	"github.com/cbriice/agentswarm/internal/pubsub"
	"github.com/cbriice/agentswarm/internal/recovery"
	"github.com/cbriice/agentswarm/internal/store"
	"github.com/cbriice/agentswarm/internal/swarmerr"
	"github.com/cbriice/agentswarm/internal/workflow"
)

// startMonitor launches the monitor goroutine for sess. All mutation of
// sess.Instance and sess.Agents happens exclusively on this goroutine
// from this point forward.
func (o *Orchestrator) startMonitor(sess *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.done = make(chan struct{})

	go func() {
		defer close(sess.done)
		ticker := time.NewTicker(o.cfg.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if o.tick(ctx, sess) {
					return
				}
			}
		}
	}()
}

// stopMonitor cancels the monitor goroutine and waits for it to exit.
func (o *Orchestrator) stopMonitor(sess *Session) {
	if sess.cancel == nil {
		return
	}
	sess.cancel()
	if sess.done != nil {
		<-sess.done
	}
}

// tick runs one pass of OutboxScan, HealthCheck, WorkflowTimeout, and
// CompletionCheck. It returns true when the session reached a terminal
// status and the monitor should stop scheduling further ticks.
func (o *Orchestrator) tick(ctx context.Context, sess *Session) bool {
	sess.mu.Lock()
	terminal := sess.Record.Status.IsTerminal()
	sess.mu.Unlock()
	if terminal {
		return true
	}

	if o.checkWorkflowTimeout(ctx, sess) {
		return true
	}
	o.outboxScan(ctx, sess)
	o.healthCheck(ctx, sess)
	return o.completionCheck(ctx, sess)
}

// outboxScan drains every agent's new outbox messages in table order and
// routes each one through RouteMessage.
func (o *Orchestrator) outboxScan(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	roles := make([]message.Role, 0, len(sess.Agents))
	for r := range sess.Agents {
		roles = append(roles, r)
	}
	sess.mu.Unlock()

	for _, role := range roles {
		sess.mu.Lock()
		agent := sess.Agents[role]
		watermark := agent.OutboxWatermark
		sess.mu.Unlock()

		msgs, err := o.bus.GetNewOutboxMessages(role, watermark)
		if err != nil {
			log.ErrorErr(log.CatOrchestrator, "failed reading outbox", err, "role", role)
			continue
		}

		// Route in timestamp order and stop at the first failure, so the
		// watermark never moves past a message that was not routed; that
		// message is retried on the next tick.
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
		for _, m := range msgs {
			if err := o.RouteMessage(ctx, sess, role, m); err != nil {
				log.ErrorErr(log.CatOrchestrator, "routing message failed, watermark held", err, "role", role, "messageId", m.ID)
				break
			}
			sess.mu.Lock()
			agent.OutboxWatermark = m.Timestamp
			agent.LastActivityAt = time.Now().UTC()
			agent.MessageCount++
			sess.mu.Unlock()
		}
	}
}

// healthCheck marks agents whose last activity predates agentTimeout as
// errored and hands the resulting SwarmError to the recovery manager.
func (o *Orchestrator) healthCheck(ctx context.Context, sess *Session) {
	sess.mu.Lock()
	agents := make([]*ManagedAgent, 0, len(sess.Agents))
	for _, a := range sess.Agents {
		agents = append(agents, a)
	}
	sess.mu.Unlock()

	now := time.Now().UTC()
	for _, agent := range agents {
		sess.mu.Lock()
		status := agent.Status
		last := agent.LastActivityAt
		sess.mu.Unlock()
		if status.IsTerminal() || last.IsZero() {
			continue
		}
		if now.Sub(last) <= o.cfg.AgentTimeout {
			continue
		}

		sess.mu.Lock()
		agent.Status = AgentError
		sess.mu.Unlock()

		se := swarmerr.New(swarmerr.AgentTimeout, "orchestrator", fmt.Sprintf("role %s produced no activity for over %s", agent.Role, o.cfg.AgentTimeout))
		o.publish(pubsub.ErrorOccurred, OrchestratorEvent{SessionID: sess.Record.ID, Role: agent.Role, Detail: se.Message})

		outcome := o.recovery.Recover(ctx, sess.Record.ID, se, recovery.Target{Role: agent.Role}, func(ctx context.Context) error {
			return o.restartAgent(ctx, agent.Role)
		})
		o.publish(pubsub.RecoveryAttempted, OrchestratorEvent{SessionID: sess.Record.ID, Role: agent.Role, Detail: string(outcome.Action)})

		if outcome.Recovered {
			sess.mu.Lock()
			agent.Status = AgentReady
			agent.LastActivityAt = time.Now().UTC()
			sess.mu.Unlock()
		}
	}
}

// checkWorkflowTimeout records a WORKFLOW_TIMEOUT error, marks the session
// failed, and runs Cleanup when the session has run longer than
// workflowTimeout. No partial result is synthesized or persisted. Returns
// true if the session was ended.
func (o *Orchestrator) checkWorkflowTimeout(ctx context.Context, sess *Session) bool {
	sess.mu.Lock()
	exceeded := workflow.CheckTimeout(sess.Instance, sess.Template, &workflow.TimeoutConfig{MaxDuration: o.cfg.WorkflowTimeout}, time.Now().UTC())
	sess.mu.Unlock()
	if !exceeded {
		return false
	}

	se := swarmerr.New(swarmerr.WorkflowTimeout, "orchestrator", "session exceeded its maximum duration")
	if _, err := o.db.LogError(ctx, sess.Record.ID, se); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to log workflow timeout", err)
	}
	o.publish(pubsub.ErrorOccurred, OrchestratorEvent{SessionID: sess.Record.ID, Detail: se.Message})

	sess.mu.Lock()
	sess.Record.Status = store.SessionFailed
	sess.mu.Unlock()
	if err := o.db.UpdateSessionStatus(ctx, sess.Record.ID, store.SessionFailed); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to mark session failed after workflow timeout", err)
	}

	o.Cleanup(ctx, sess)
	o.publish(pubsub.SessionEnded, OrchestratorEvent{SessionID: sess.Record.ID, Detail: "workflow timeout"})
	return true
}

// completionCheck synthesizes the final result and transitions the
// session to complete once the workflow instance itself is complete.
// Returns true if the session reached a terminal status.
func (o *Orchestrator) completionCheck(ctx context.Context, sess *Session) bool {
	sess.mu.Lock()
	complete := sess.Instance.Status == workflow.StatusComplete
	sess.mu.Unlock()
	if !complete {
		return false
	}

	if err := o.db.UpdateSessionStatus(ctx, sess.Record.ID, store.SessionSynthesizing); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to mark session synthesizing", err)
	}

	sess.mu.Lock()
	result, err := workflow.SynthesizeResult(sess.Instance)
	sess.mu.Unlock()
	if err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to synthesize result", err)
		return false
	}

	for i, artifact := range result.Artifacts {
		path := fmt.Sprintf("artifact-%d", i+1)
		if _, err := o.db.CreateArtifact(ctx, sess.Record.ID, path, artifact.Summary); err != nil {
			log.ErrorErr(log.CatOrchestrator, "failed to persist artifact", err)
		}
	}

	sess.mu.Lock()
	sess.Record.Status = store.SessionComplete
	sess.mu.Unlock()
	if err := o.db.UpdateSessionStatus(ctx, sess.Record.ID, store.SessionComplete); err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to mark session complete", err)
	}

	if o.cfg.AutoCleanup {
		o.Cleanup(ctx, sess)
	}
	o.publish(pubsub.SessionEnded, OrchestratorEvent{SessionID: sess.Record.ID, Detail: "complete"})
	return true
}

// RouteMessage persists an incoming message, completes the step it
// answers, advances the workflow state machine, delivers routed
// messages to their target agents' mailboxes, and checkpoints stage
// transitions asynchronously.
func (o *Orchestrator) RouteMessage(ctx context.Context, sess *Session, from message.Role, incoming message.AgentMessage) error {
	if err := o.db.CreateMessage(ctx, sess.Record.ID, incoming, false); err != nil {
		return err
	}

	sess.mu.Lock()
	currentStep := sess.Instance.CurrentStep
	sess.mu.Unlock()

	output := &workflow.StepOutput{Type: string(incoming.Type)}
	if v, ok := incoming.Content.Verdict(); ok {
		output.Verdict = v
	}
	output.Summary = incoming.Content.Subject

	sess.mu.Lock()
	completed, err := workflow.CompleteStep(sess.Instance, currentStep, output, time.Now().UTC())
	if err != nil {
		sess.mu.Unlock()
		return err
	}
	sess.Instance = completed

	routedInstance, decisions, err := workflow.RouteMessage(sess.Instance, sess.Template, incoming, time.Now().UTC())
	if err != nil {
		sess.mu.Unlock()
		return err
	}
	previousStep := sess.Instance.CurrentStep
	sess.Instance = routedInstance

	// RouteMessage only moves the current-step pointer; a step only gets
	// a running StepExecutionRecord once its agent is actually asked to
	// work it, which starts here.
	if sess.Instance.Status != workflow.StatusComplete && sess.Instance.CurrentStep != previousStep {
		started, startErr := workflow.StartStep(sess.Instance, sess.Template, sess.Instance.CurrentStep, time.Now().UTC())
		if startErr != nil {
			sess.mu.Unlock()
			return startErr
		}
		sess.Instance = started
	}
	sess.mu.Unlock()

	for _, decision := range decisions {
		sess.mu.Lock()
		_, hasAgent := sess.Agents[decision.ToRole]
		sess.mu.Unlock()

		if !hasAgent {
			se := swarmerr.New(swarmerr.RoutingFailed, "orchestrator", fmt.Sprintf("no managed agent for role %s", decision.ToRole))
			if _, logErr := o.db.LogError(ctx, sess.Record.ID, se); logErr != nil {
				log.ErrorErr(log.CatOrchestrator, "failed to log routing failure", logErr)
			}
			continue
		}

		if _, err := o.bus.Send(decision.Message, mailbox.SendOptions{
			Persist: func(m message.AgentMessage) error { return o.db.CreateMessage(ctx, sess.Record.ID, m, true) },
		}); err != nil {
			se := swarmerr.Wrap(swarmerr.RoutingFailed, "orchestrator", fmt.Sprintf("delivering message to role %s", decision.ToRole), err)
			if _, logErr := o.db.LogError(ctx, sess.Record.ID, se); logErr != nil {
				log.ErrorErr(log.CatOrchestrator, "failed to log routing failure", logErr)
			}
			continue
		}
		o.publish(pubsub.MessageRouted, OrchestratorEvent{SessionID: sess.Record.ID, Role: decision.ToRole, StepID: decision.NextStep, Message: &decision.Message})
	}

	sess.mu.Lock()
	stageChanged := sess.Instance.CurrentStep != previousStep
	newStep := sess.Instance.CurrentStep
	sess.mu.Unlock()

	if stageChanged {
		o.publish(pubsub.StageTransitioned, OrchestratorEvent{SessionID: sess.Record.ID, StepID: newStep})
		go o.checkpointStage(context.Background(), sess, newStep)
	}

	o.completionCheck(ctx, sess)
	return nil
}

// checkpointStage persists a stage checkpoint asynchronously; failures
// are logged but never surfaced to the routing caller.
func (o *Orchestrator) checkpointStage(ctx context.Context, sess *Session, stage string) {
	sess.mu.Lock()
	agentState := make(map[string]store.AgentStateSnapshot, len(sess.Agents))
	for role, agent := range sess.Agents {
		agentState[string(role)] = store.AgentStateSnapshot{
			Status:       string(agent.Status),
			MessageCount: agent.MessageCount,
			LastActivity: agent.LastActivityAt,
		}
	}
	completed := sess.Instance.CompletedSteps()
	status := string(sess.Instance.Status)
	sess.mu.Unlock()

	_, err := o.db.CreateCheckpoint(ctx, store.Checkpoint{
		SessionID:  sess.Record.ID,
		Stage:      stage,
		AgentState: agentState,
		WorkflowState: store.WorkflowStateSnapshot{
			CurrentStep:    stage,
			Status:         status,
			CompletedSteps: completed,
		},
	})
	if err != nil {
		log.ErrorErr(log.CatOrchestrator, "failed to checkpoint stage transition", err, "stage", stage)
	}
}
