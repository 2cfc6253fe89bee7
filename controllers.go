package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// -----------------------------
// Helper functions
// -----------------------------

// getUserIDFromContext expects AuthMiddleware to set "user_id" (uint) in context.
// If not present -> unauthorized.
func getUserIDFromContext(c *gin.Context) (uint, bool) {
	uid, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := uid.(uint)
	return id, ok
}

func parseIDParam(c *gin.Context, name string) (uint, error) {
	id64, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, errInvalid("invalid " + name)
	}
	return uint(id64), nil
}

// parseDate accepts RFC3339 or plain YYYY-MM-DD.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func loadEvent(id uint) (*Event, error) {
	var ev Event
	if err := DB.First(&ev, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNotFound("event not found")
		}
		return nil, err
	}
	return &ev, nil
}

func requireOwner(ev *Event, userID uint) error {
	if ev.CreatedBy != userID {
		return errForbidden("not authorized to modify this event")
	}
	return nil
}

const maxMutateRetries = 3

// mutateEvent runs one effectively-atomic read-modify-write against the
// event row: load, apply fn, recompute progress, then persist through a
// version-conditioned UPDATE. If another writer got in between, the whole
// cycle retries against the fresh row, so two concurrent task edits can
// never compute progress from a stale checklist.
func mutateEvent(id uint, fn func(*Event) error) (*Event, error) {
	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		ev, err := loadEvent(id)
		if err != nil {
			return nil, err
		}
		if err := fn(ev); err != nil {
			return nil, err
		}
		ev.RecalcProgress()

		seen := ev.Version
		ev.Version++
		ev.UpdatedAt = time.Now()

		res := DB.Model(ev).
			Where("version = ?", seen).
			Select("Title", "Description", "EventDate", "Location", "Category",
				"Priority", "Tasks", "Progress", "Likes", "LikesCount",
				"Views", "ViewsCount", "TaskSeq", "Version", "UpdatedAt").
			Updates(*ev)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return ev, nil
		}
		// Lost the race; reload and reapply.
	}
	return nil, errors.New("event update contention not resolved")
}

// -----------------------------
// Events
// -----------------------------

type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	ReminderAt  string `json:"reminderAt"`
}

// newTask validates a task input and stamps it with the event's next
// embedded ID. Priority defaults to medium, status to pending.
func newTask(ev *Event, in TaskInput) (Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, errInvalid("task title is required")
	}

	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !validPriority(priority) {
		return Task{}, errInvalid("task priority must be low, medium or high")
	}

	status := in.Status
	if status == "" {
		status = StatusPending
	}
	if !validStatus(status) {
		return Task{}, errInvalid("task status must be pending, in_progress or completed")
	}

	due, err := parseOptionalDate(in.DueDate)
	if err != nil {
		return Task{}, errInvalid("invalid due date format (use RFC3339 or YYYY-MM-DD)")
	}
	reminder, err := parseOptionalDate(in.ReminderAt)
	if err != nil {
		return Task{}, errInvalid("invalid reminder format (use RFC3339 or YYYY-MM-DD)")
	}

	now := time.Now()
	return Task{
		ID:          ev.NextTaskID(),
		Title:       title,
		Description: in.Description,
		DueDate:     due,
		ReminderAt:  reminder,
		Priority:    priority,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type CreateEventRequest struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	EventDate   string      `json:"eventDate"` // RFC3339 or "YYYY-MM-DD"
	Location    string      `json:"location"`
	Category    []string    `json:"category"`
	Priority    string      `json:"priority"`
	Tasks       []TaskInput `json:"tasks"`
}

func CreateEvent(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}

	var body CreateEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errInvalid("invalid request: "+err.Error()))
		return
	}

	if strings.TrimSpace(body.Title) == "" ||
		strings.TrimSpace(body.Description) == "" ||
		strings.TrimSpace(body.EventDate) == "" {
		fail(c, errInvalid("title, description and event date are required"))
		return
	}

	eventDate, err := parseDate(body.EventDate)
	if err != nil {
		fail(c, errInvalid("invalid date format (use RFC3339 or YYYY-MM-DD)"))
		return
	}

	priority := body.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !validPriority(priority) {
		fail(c, errInvalid("priority must be low, medium or high"))
		return
	}

	category := body.Category
	if category == nil {
		category = []string{}
	}

	ev := Event{
		Title:       strings.TrimSpace(body.Title),
		Description: strings.TrimSpace(body.Description),
		EventDate:   eventDate,
		Location:    body.Location,
		Category:    category,
		Priority:    priority,
		Tasks:       []Task{},
		CreatedBy:   userID,
		Likes:       UserIDSet{},
		Views:       UserIDSet{},
	}

	for _, in := range body.Tasks {
		task, err := newTask(&ev, in)
		if err != nil {
			fail(c, err)
			return
		}
		ev.Tasks = append(ev.Tasks, task)
	}
	ev.RecalcProgress()

	if err := DB.Create(&ev).Error; err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, ev)
}

func ListEvents(c *gin.Context) {
	q := parseListQuery(c)

	var events []Event
	if err := DB.Order("created_at DESC, id DESC").Find(&events).Error; err != nil {
		fail(c, err)
		return
	}

	filtered := filterEvents(events, q.Search, q.Tags)
	items, total, pages := paginateEvents(filtered, q.Page, q.Limit)

	c.JSON(http.StatusOK, gin.H{
		"events": items,
		"total":  total,
		"page":   q.Page,
		"pages":  pages,
	})
}

func GetEvent(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	ev, err := loadEvent(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func GetEventsByUser(c *gin.Context) {
	userID, err := parseIDParam(c, "userId")
	if err != nil {
		fail(c, err)
		return
	}

	events := []Event{}
	if err := DB.Where("created_by = ?", userID).Order("created_at DESC, id DESC").Find(&events).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type UpdateEventRequest struct {
	Title       *string      `json:"title"`
	Description *string      `json:"description"`
	EventDate   *string      `json:"eventDate"`
	Location    *string      `json:"location"`
	Category    *[]string    `json:"category"`
	Priority    *string      `json:"priority"`
	Tasks       *[]TaskInput `json:"tasks"`
}

func (r *UpdateEventRequest) empty() bool {
	return r.Title == nil && r.Description == nil && r.EventDate == nil &&
		r.Location == nil && r.Category == nil && r.Priority == nil && r.Tasks == nil
}

// UpdateEvent applies a merge-patch: only fields present in the request
// change, everything else keeps its stored value.
func UpdateEvent(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	var body UpdateEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errInvalid("invalid body: "+err.Error()))
		return
	}
	if body.empty() {
		fail(c, errInvalid("no updates provided"))
		return
	}

	ev, err := mutateEvent(id, func(ev *Event) error {
		if err := requireOwner(ev, userID); err != nil {
			return err
		}
		if body.Title != nil {
			title := strings.TrimSpace(*body.Title)
			if title == "" {
				return errInvalid("title cannot be empty")
			}
			ev.Title = title
		}
		if body.Description != nil {
			desc := strings.TrimSpace(*body.Description)
			if desc == "" {
				return errInvalid("description cannot be empty")
			}
			ev.Description = desc
		}
		if body.EventDate != nil {
			date, err := parseDate(*body.EventDate)
			if err != nil {
				return errInvalid("invalid date format (use RFC3339 or YYYY-MM-DD)")
			}
			ev.EventDate = date
		}
		if body.Location != nil {
			ev.Location = *body.Location
		}
		if body.Category != nil {
			ev.Category = *body.Category
			if ev.Category == nil {
				ev.Category = []string{}
			}
		}
		if body.Priority != nil {
			if !validPriority(*body.Priority) {
				return errInvalid("priority must be low, medium or high")
			}
			ev.Priority = *body.Priority
		}
		if body.Tasks != nil {
			// Replacing the checklist wholesale; embedded IDs keep
			// advancing from the event's sequence.
			tasks := make([]Task, 0, len(*body.Tasks))
			for _, in := range *body.Tasks {
				task, err := newTask(ev, in)
				if err != nil {
					return err
				}
				tasks = append(tasks, task)
			}
			ev.Tasks = tasks
		}
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, ev)
}

func DeleteEvent(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	ev, err := loadEvent(id)
	if err != nil {
		fail(c, err)
		return
	}
	if err := requireOwner(ev, userID); err != nil {
		fail(c, err)
		return
	}

	// The checklist is embedded in the aggregate row, so deleting the
	// event cascades to every task with it.
	if err := DB.Delete(&Event{}, ev.ID).Error; err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, ev)
}

// -----------------------------
// Tasks
// -----------------------------

// AddTask appends a checklist task. Existence and ownership are checked
// before the payload so a non-owner always sees 403, whatever they sent.
func AddTask(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	ev, err := loadEvent(id)
	if err != nil {
		fail(c, err)
		return
	}
	if err := requireOwner(ev, userID); err != nil {
		fail(c, err)
		return
	}

	var body TaskInput
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errInvalid("invalid body: "+err.Error()))
		return
	}

	ev, err = mutateEvent(id, func(ev *Event) error {
		if err := requireOwner(ev, userID); err != nil {
			return err
		}
		task, err := newTask(ev, body)
		if err != nil {
			return err
		}
		ev.Tasks = append(ev.Tasks, task)
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, ev)
}

type UpdateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"dueDate"`
	Priority    *string `json:"priority"`
	Status      *string `json:"status"`
	ReminderAt  *string `json:"reminderAt"`
}

// UpdateTask merge-patches one embedded task. Any valid status may be
// assigned directly; the UI's pending → in_progress → completed cycle is
// just one path through the state machine.
func UpdateTask(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	taskID, err := parseIDParam(c, "taskId")
	if err != nil {
		fail(c, err)
		return
	}

	ev, err := loadEvent(id)
	if err != nil {
		fail(c, err)
		return
	}
	if err := requireOwner(ev, userID); err != nil {
		fail(c, err)
		return
	}

	var body UpdateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errInvalid("invalid body: "+err.Error()))
		return
	}

	ev, err = mutateEvent(id, func(ev *Event) error {
		if err := requireOwner(ev, userID); err != nil {
			return err
		}
		task := ev.FindTask(taskID)
		if task == nil {
			return errNotFound("task not found")
		}
		if body.Title != nil {
			title := strings.TrimSpace(*body.Title)
			if title == "" {
				return errInvalid("task title cannot be empty")
			}
			task.Title = title
		}
		if body.Description != nil {
			task.Description = *body.Description
		}
		if body.DueDate != nil {
			due, err := parseOptionalDate(*body.DueDate)
			if err != nil {
				return errInvalid("invalid due date format (use RFC3339 or YYYY-MM-DD)")
			}
			task.DueDate = due
		}
		if body.ReminderAt != nil {
			reminder, err := parseOptionalDate(*body.ReminderAt)
			if err != nil {
				return errInvalid("invalid reminder format (use RFC3339 or YYYY-MM-DD)")
			}
			task.ReminderAt = reminder
		}
		if body.Priority != nil {
			if !validPriority(*body.Priority) {
				return errInvalid("task priority must be low, medium or high")
			}
			task.Priority = *body.Priority
		}
		if body.Status != nil {
			if !validStatus(*body.Status) {
				return errInvalid("task status must be pending, in_progress or completed")
			}
			task.Status = *body.Status
		}
		task.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, ev)
}

func DeleteTask(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	taskID, err := parseIDParam(c, "taskId")
	if err != nil {
		fail(c, err)
		return
	}

	ev, err := mutateEvent(id, func(ev *Event) error {
		if err := requireOwner(ev, userID); err != nil {
			return err
		}
		if !ev.RemoveTask(taskID) {
			return errNotFound("task not found")
		}
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, ev)
}

// -----------------------------
// Social counters
// -----------------------------

// ToggleLike flips the caller's membership in the like set. The counter is
// derived from the set, so it can never drift from its cardinality.
func ToggleLike(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	liked := false
	ev, err := mutateEvent(id, func(ev *Event) error {
		if ev.Likes.Has(userID) {
			ev.Likes = ev.Likes.Remove(userID)
			liked = false
		} else {
			ev.Likes = ev.Likes.Add(userID)
			liked = true
		}
		ev.LikesCount = len(ev.Likes)
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"liked": liked, "likesCount": ev.LikesCount})
}

// RegisterView counts at most one view per user: repeat calls are no-ops.
func RegisterView(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		fail(c, errUnauthenticated("unauthorized"))
		return
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}

	viewed := false
	ev, err := mutateEvent(id, func(ev *Event) error {
		if ev.Views.Has(userID) {
			viewed = false
			return nil
		}
		ev.Views = ev.Views.Add(userID)
		ev.ViewsCount = len(ev.Views)
		viewed = true
		return nil
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"viewed": viewed, "viewsCount": ev.ViewsCount})
}
