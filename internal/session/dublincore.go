package session

import (
	"context"

	"github.com/juju/clock"

	"ecm/internal/event"
	"ecm/internal/model"
)

const dublinCoreListenerName = "dclistener"

// DisableDublinCoreListener in a document's context data skips the dublincore updates.
const DisableDublinCoreListener = "disableDublinCoreListener"

// dublinCoreListener maintains creation and contribution metadata of documents having
// the dublincore schema.
type dublinCoreListener struct {
	clock clock.Clock
}

func (l *dublinCoreListener) HandleEvent(_ context.Context, ev *event.Event) error {
	doc := ev.Doc
	if doc == nil || doc.IsVersion || doc.Properties == nil {
		return nil
	}
	if disabled, _ := doc.ContextData[DisableDublinCoreListener].(bool); disabled {
		return nil
	}
	if _, err := doc.PropertyValue(model.PropModified); err != nil {
		return nil
	}
	now := l.clock.Now().UTC()
	user := ev.Principal.Name
	if ev.Name == event.AboutToCreate {
		if v, _ := doc.PropertyValue(model.PropCreated); v == nil {
			_ = doc.SetPropertyValue(model.PropCreated, now)
		}
		if doc.Properties.String(model.PropCreator) == "" {
			_ = doc.SetPropertyValue(model.PropCreator, user)
		}
	}
	_ = doc.SetPropertyValue(model.PropModified, now)
	if user == "" {
		return nil
	}
	_ = doc.SetPropertyValue(model.PropLastContributor, user)
	contributors, _ := doc.PropertyValue(model.PropContributors)
	list, _ := contributors.([]any)
	for _, c := range list {
		if c == user {
			return nil
		}
	}
	return doc.SetPropertyValue(model.PropContributors, append(append([]any(nil), list...), user))
}
