// Package router drives the conversational pipeline: free-text messages in,
// template matching, multi-turn parameter collection, execution hand-off,
// and result polling out.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaji/internal/extract"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/session"
)

// maxAskAttempts bounds repeated extraction failures for one parameter.
// After this many, the raw reply is accepted verbatim when it coerces to
// the parameter's declared type.
const maxAskAttempts = 3

// Matcher is the template-matching surface the router needs.
type Matcher interface {
	Match(ctx context.Context, query string) (*model.TemplateMatch, error)
	Get(ctx context.Context, id uuid.UUID) (model.DecisionTemplate, error)
}

// Extractor pulls parameter values out of free text.
type Extractor interface {
	Extract(ctx context.Context, tmpl *model.DecisionTemplate, query string) (map[string]any, error)
	ExtractSingle(ctx context.Context, in model.TemplateInput, reply string) (any, bool, error)
}

// Runner starts template executions and reports their status.
type Runner interface {
	Start(ctx context.Context, tmpl model.DecisionTemplate, params map[string]any, conversationID, createdBy string) (model.DecisionInstance, error)
	Status(ctx context.Context, id uuid.UUID) (model.InstanceStatusView, error)
}

// Router handles inbound conversation messages.
type Router struct {
	matcher   Matcher
	extractor Extractor
	sessions  session.Store
	runner    Runner
	logger    *slog.Logger
}

// New creates a router.
func New(matcher Matcher, extractor Extractor, sessions session.Store, runner Runner, logger *slog.Logger) *Router {
	return &Router{
		matcher:   matcher,
		extractor: extractor,
		sessions:  sessions,
		runner:    runner,
		logger:    logger,
	}
}

// HandleMessage routes one user message for a conversation. Sessions never
// block the conversation: a message arriving while an instance is still
// running is routed as a fresh query.
func (r *Router) HandleMessage(ctx context.Context, conversationID, message, userID string) (model.RouteReply, error) {
	sess, err := r.sessions.Get(ctx, conversationID)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: load session: %w", err)
	}

	if sess != nil {
		switch sess.Status {
		case model.SessionCollectingParams:
			return r.collectParam(ctx, sess, message, userID)
		case model.SessionProcessing:
			reply, handled, err := r.pollInstance(ctx, sess)
			if err != nil {
				return model.RouteReply{}, err
			}
			if handled {
				return reply, nil
			}
			// Still running: the message becomes a new query.
		default:
			// Terminal sessions should have been cleared; drop and reroute.
			_ = r.sessions.Delete(ctx, conversationID)
		}
	}

	return r.routeQuery(ctx, conversationID, message, userID)
}

// routeQuery runs the full matcher pipeline on a fresh query.
func (r *Router) routeQuery(ctx context.Context, conversationID, query, userID string) (model.RouteReply, error) {
	match, err := r.matcher.Match(ctx, query)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: match: %w", err)
	}
	if match == nil {
		return model.RouteReply{Type: model.ReplyNoMatch}, nil
	}

	tmpl, err := r.matcher.Get(ctx, match.TemplateID)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: load template: %w", err)
	}

	params, err := r.extractor.Extract(ctx, &tmpl, query)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: extract: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	extract.ApplyDefaults(&tmpl, params)

	missing := extract.IdentifyMissing(&tmpl, params)
	if len(missing) > 0 {
		sess := &model.TemplateSession{
			ConversationID:  conversationID,
			TemplateID:      tmpl.ID,
			TemplateName:    tmpl.Name,
			ExtractedParams: params,
			MissingParams:   missing,
			Status:          model.SessionCollectingParams,
		}
		if err := r.sessions.Put(ctx, sess); err != nil {
			return model.RouteReply{}, fmt.Errorf("router: save session: %w", err)
		}
		return askReply(tmpl.Name, missing[0]), nil
	}

	return r.startExecution(ctx, tmpl, params, conversationID, userID, nil)
}

// collectParam treats the message as the answer to the head of the
// missing-parameter queue.
func (r *Router) collectParam(ctx context.Context, sess *model.TemplateSession, message, userID string) (model.RouteReply, error) {
	head, ok := sess.NextMissing()
	if !ok {
		// Queue already empty; hand off to execution.
		return r.finishCollection(ctx, sess, userID)
	}

	tmpl, err := r.matcher.Get(ctx, sess.TemplateID)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: load template: %w", err)
	}
	input, found := tmpl.InputByName(head.Name)
	if !found {
		// Template revision removed the input; drop it from the queue.
		sess.MissingParams = sess.MissingParams[1:]
		sess.AskAttempts = 0
		if err := r.sessions.Put(ctx, sess); err != nil {
			return model.RouteReply{}, fmt.Errorf("router: save session: %w", err)
		}
		return r.advance(ctx, sess, tmpl, userID)
	}

	value, extracted, err := r.extractor.ExtractSingle(ctx, input, message)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: extract parameter %s: %w", head.Name, err)
	}

	if !extracted {
		sess.AskAttempts++
		// After repeated failures, take the raw reply when it coerces to
		// the declared type. Otherwise keep asking.
		if sess.AskAttempts >= maxAskAttempts {
			if coerced, ok := extract.Coerce(input, message); ok {
				value, extracted = coerced, true
			}
		}
		if !extracted {
			if err := r.sessions.Put(ctx, sess); err != nil {
				return model.RouteReply{}, fmt.Errorf("router: save session: %w", err)
			}
			return askReply(sess.TemplateName, head), nil
		}
	}

	sess.ExtractedParams[head.Name] = value
	sess.MissingParams = sess.MissingParams[1:]
	sess.AskAttempts = 0
	if err := r.sessions.Put(ctx, sess); err != nil {
		return model.RouteReply{}, fmt.Errorf("router: save session: %w", err)
	}

	return r.advance(ctx, sess, tmpl, userID)
}

// advance either asks the next question or hands the session to execution.
func (r *Router) advance(ctx context.Context, sess *model.TemplateSession, tmpl model.DecisionTemplate, userID string) (model.RouteReply, error) {
	if next, ok := sess.NextMissing(); ok {
		return askReply(sess.TemplateName, next), nil
	}
	return r.startExecution(ctx, tmpl, sess.ExtractedParams, sess.ConversationID, userID, sess)
}

func (r *Router) finishCollection(ctx context.Context, sess *model.TemplateSession, userID string) (model.RouteReply, error) {
	tmpl, err := r.matcher.Get(ctx, sess.TemplateID)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: load template: %w", err)
	}
	return r.startExecution(ctx, tmpl, sess.ExtractedParams, sess.ConversationID, userID, sess)
}

// startExecution creates the instance and records the processing session.
// When prior is non-nil the write is a compare-and-swap from
// collecting_params, so a racing poll cannot clobber the hand-off.
func (r *Router) startExecution(ctx context.Context, tmpl model.DecisionTemplate, params map[string]any, conversationID, userID string, prior *model.TemplateSession) (model.RouteReply, error) {
	inst, err := r.runner.Start(ctx, tmpl, params, conversationID, userID)
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: start execution: %w", err)
	}

	sess := &model.TemplateSession{
		ConversationID:  conversationID,
		TemplateID:      tmpl.ID,
		TemplateName:    tmpl.Name,
		InstanceID:      &inst.ID,
		ExtractedParams: params,
		MissingParams:   []model.MissingParam{},
		Status:          model.SessionProcessing,
	}
	if prior != nil {
		err = r.sessions.Transition(ctx, sess, model.SessionCollectingParams)
		if errors.Is(err, session.ErrConflict) {
			// Another message already moved this conversation on. The
			// instance still runs; polling finds it through the instance API.
			r.logger.Warn("router: session transition conflict",
				"conversation_id", conversationID, "instance_id", inst.ID)
			err = nil
		}
	} else {
		err = r.sessions.Put(ctx, sess)
	}
	if err != nil {
		return model.RouteReply{}, fmt.Errorf("router: save session: %w", err)
	}

	r.logger.Info("router: execution started",
		"conversation_id", conversationID, "template", tmpl.Name, "instance_id", inst.ID)
	return model.RouteReply{
		Type:       model.ReplyProcessing,
		Template:   tmpl.Name,
		InstanceID: inst.ID.String(),
		Message:    fmt.Sprintf("Running %s. Ask again for results.", tmpl.Name),
	}, nil
}

// pollInstance checks a processing session's instance. handled=false means
// the instance is still running and the caller should treat the message as
// a new query.
func (r *Router) pollInstance(ctx context.Context, sess *model.TemplateSession) (model.RouteReply, bool, error) {
	if sess.InstanceID == nil {
		_ = r.sessions.Delete(ctx, sess.ConversationID)
		return model.RouteReply{}, false, nil
	}

	view, err := r.runner.Status(ctx, *sess.InstanceID)
	if err != nil {
		return model.RouteReply{}, false, fmt.Errorf("router: instance status: %w", err)
	}

	switch view.Status {
	case model.InstanceCompleted:
		_ = r.sessions.Delete(ctx, sess.ConversationID)
		return model.RouteReply{
			Type:       model.ReplyResults,
			Template:   sess.TemplateName,
			InstanceID: sess.InstanceID.String(),
			Results:    view.Results,
		}, true, nil
	case model.InstanceFailed:
		_ = r.sessions.Delete(ctx, sess.ConversationID)
		msg := "execution failed"
		if view.Error != nil {
			msg = *view.Error
		}
		return model.RouteReply{
			Type:       model.ReplyError,
			Template:   sess.TemplateName,
			InstanceID: sess.InstanceID.String(),
			Message:    msg,
		}, true, nil
	default:
		return model.RouteReply{}, false, nil
	}
}

func askReply(templateName string, param model.MissingParam) model.RouteReply {
	p := param
	return model.RouteReply{
		Type:     model.ReplyAskParam,
		Template: templateName,
		Param:    &p,
		Message:  fmt.Sprintf("What should I use for %s? (%s)", param.Name, param.Description),
	}
}
