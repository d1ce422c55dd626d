package rules

import (
	"log/slog"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meremail/meremail/internal/store"
)

// batchSize is the number of threads walked between progress updates.
const batchSize = 100

// Runner executes retroactive rule applications as background jobs.
// The externally observable state is the rule_applications row; callers
// poll it for progress.
type Runner struct {
	store   *store.Store
	applier *Applier
	log     *slog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(st *store.Store, log *slog.Logger) *Runner {
	return &Runner{
		store:   st,
		applier: NewApplier(st, log),
		log:     log,
		now:     time.Now,
	}
}

// Start records a pending application for the rule and launches the
// walk in a goroutine. The returned application row is in status
// pending; it moves to running once the walk begins. The job is not
// cancellable and runs to termination.
func (r *Runner) Start(ruleID int64) (*store.RuleApplication, error) {
	rule, err := r.store.GetRule(ruleID)
	if err != nil {
		return nil, eris.Wrapf(err, "load rule %d", ruleID)
	}
	app, err := r.store.CreateRuleApplication(rule.ID, r.now())
	if err != nil {
		return nil, eris.Wrap(err, "create application")
	}

	go r.run(app.ID, rule)

	return app, nil
}

// run walks every thread in batches, evaluating the rule against each
// thread's earliest message and applying the action on match.
func (r *Runner) run(appID int64, rule *store.Rule) {
	log := r.log.With("application_id", appID, "rule", rule.Name)

	if err := r.walk(appID, rule, log); err != nil {
		log.Error("retroactive application failed", "error", err)
		if ferr := r.store.FailRuleApplication(appID, err.Error(), r.now()); ferr != nil {
			log.Error("failed to record application failure", "error", ferr)
		}
		return
	}
	log.Info("retroactive application completed")
}

func (r *Runner) walk(appID int64, rule *store.Rule, log *slog.Logger) error {
	total, err := r.store.CountThreads()
	if err != nil {
		return eris.Wrap(err, "count threads")
	}
	if err := r.store.StartRuleApplication(appID, total, r.now()); err != nil {
		return eris.Wrap(err, "start application")
	}

	node, err := ParseConditions(rule.Conditions)
	if err != nil {
		return eris.Wrapf(err, "parse conditions of rule %d", rule.ID)
	}

	var processed, matched, afterID int64
	for {
		ids, err := r.store.ListThreadIDs(afterID, batchSize)
		if err != nil {
			return eris.Wrap(err, "list threads")
		}
		if len(ids) == 0 {
			break
		}

		for _, threadID := range ids {
			processed++
			evalCtx, err := r.buildContext(threadID)
			if err != nil {
				if store.IsNotFound(err) {
					// Thread emptied or deleted mid-walk.
					continue
				}
				return eris.Wrapf(err, "build context for thread %d", threadID)
			}
			if !Evaluate(node, evalCtx) {
				continue
			}
			matched++
			if err := r.applier.Apply(rule, threadID, 0, r.now()); err != nil {
				return eris.Wrapf(err, "apply to thread %d", threadID)
			}
		}

		afterID = ids[len(ids)-1]
		if err := r.store.UpdateRuleApplicationProgress(appID, processed, matched); err != nil {
			return eris.Wrap(err, "update progress")
		}
		log.Debug("batch processed", "processed", processed, "matched", matched)
	}

	if err := r.store.UpdateRuleApplicationProgress(appID, processed, matched); err != nil {
		return eris.Wrap(err, "update progress")
	}
	return eris.Wrap(r.store.CompleteRuleApplication(appID, r.now()), "complete application")
}

// buildContext reconstructs the evaluation context from the thread's
// earliest message, its recipients, and its attachments.
func (r *Runner) buildContext(threadID int64) (*Context, error) {
	thread, err := r.store.GetThread(threadID)
	if err != nil {
		return nil, err
	}
	msg, err := r.store.EarliestThreadMessage(threadID)
	if err != nil {
		return nil, err
	}
	sender, err := r.store.GetContact(msg.SenderID)
	if err != nil {
		return nil, err
	}

	evalCtx := &Context{
		ThreadSubject: thread.Subject,
		EmailSubject:  msg.Subject,
		SenderName:    sender.Name.String,
		SenderEmail:   sender.Email,
		Content:       msg.ContentText,
		Headers:       msg.Headers,
		FolderID:      thread.FolderID,
	}

	byRole, err := r.store.MessageContacts(msg.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range byRole[store.RoleTo] {
		evalCtx.ToNames = append(evalCtx.ToNames, c.Name.String)
		evalCtx.ToEmails = append(evalCtx.ToEmails, c.Email)
	}
	for _, c := range byRole[store.RoleCC] {
		evalCtx.CcNames = append(evalCtx.CcNames, c.Name.String)
		evalCtx.CcEmails = append(evalCtx.CcEmails, c.Email)
	}

	atts, err := r.store.ListMessageAttachments(msg.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		evalCtx.AttachmentFilenames = append(evalCtx.AttachmentFilenames, a.Filename)
	}
	return evalCtx, nil
}
