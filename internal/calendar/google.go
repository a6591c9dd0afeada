package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	customerProperty = "customerId"
	bookedColorID    = "2"
	listPageSize     = 50
)

// TokenFunc returns a valid access token, refreshing it first when needed.
// It is called before every calendar operation.
type TokenFunc func(ctx context.Context) (*oauth2.Token, error)

// GoogleCalendar talks to Google Calendar v3 on behalf of one tenant.
type GoogleCalendar struct {
	calendarID string
	token      TokenFunc
	opts       []option.ClientOption
}

func NewGoogleCalendar(calendarID string, token TokenFunc, opts ...option.ClientOption) *GoogleCalendar {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleCalendar{
		calendarID: calendarID,
		token:      token,
		opts:       opts,
	}
}

func (c *GoogleCalendar) service(ctx context.Context) (*gcal.Service, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar token: %w", err)
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(tok))}, c.opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return svc, nil
}

func (c *GoogleCalendar) QueryBusy(ctx context.Context, timeMin, timeMax time.Time) ([]Interval, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: timeMin.Format(time.RFC3339),
		TimeMax: timeMax.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: c.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("freebusy query: %w", err)
	}

	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return nil, fmt.Errorf("freebusy query: calendar %q missing from response", c.calendarID)
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("freebusy query: calendar %q: %s", c.calendarID, cal.Errors[0].Reason)
	}

	busy := make([]Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("freebusy start %q: %w", p.Start, err)
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("freebusy end %q: %w", p.End, err)
		}
		busy = append(busy, Interval{Start: start, End: end})
	}
	return busy, nil
}

// InsertEvent creates the event under ev.ID. When an event with that id
// already exists the insert is treated as done; a previously deleted one
// is restored.
func (c *GoogleCalendar) InsertEvent(ctx context.Context, ev Event) (string, error) {
	if err := validate(ev); err != nil {
		return "", err
	}
	svc, err := c.service(ctx)
	if err != nil {
		return "", err
	}

	body := &gcal.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		ColorId:     bookedColorID,
		Status:      "confirmed",
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{customerProperty: ev.CustomerID},
		},
	}

	created, err := svc.Events.Insert(c.calendarID, body).Context(ctx).Do()
	if err == nil {
		return created.Id, nil
	}
	if !hasStatus(err, http.StatusConflict) {
		return "", fmt.Errorf("insert event: %w", err)
	}

	existing, err := svc.Events.Get(c.calendarID, ev.ID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("load conflicting event %s: %w", ev.ID, err)
	}
	if existing.Status != "cancelled" {
		return existing.Id, nil
	}
	restored, err := svc.Events.Update(c.calendarID, ev.ID, body).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("restore event %s: %w", ev.ID, err)
	}
	return restored.Id, nil
}

func (c *GoogleCalendar) ListUpcoming(ctx context.Context, filterText string, from time.Time) ([]Event, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Events.List(c.calendarID).
		Q(filterText).
		TimeMin(from.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(listPageSize).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev, err := fromGoogle(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *GoogleCalendar) DeleteEvent(ctx context.Context, id string) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(c.calendarID, id).Context(ctx).Do()
	if hasStatus(err, http.StatusNotFound) || hasStatus(err, http.StatusGone) {
		return ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

func fromGoogle(item *gcal.Event) (Event, error) {
	ev := Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
	}
	if item.ExtendedProperties != nil {
		ev.CustomerID = item.ExtendedProperties.Private[customerProperty]
	}
	// All-day events carry no dateTime and are never ours.
	if item.Start == nil || item.Start.DateTime == "" || item.End == nil || item.End.DateTime == "" {
		return ev, nil
	}
	var err error
	if ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	if ev.End, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
	}
	return ev, nil
}

func hasStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}
