package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *core.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, core.NewRedisClientFromExisting(client, "", &core.NoOpLogger{})
}

func testSyncConfig() core.SyncConfig {
	return core.SyncConfig{
		UploadWorkers:       1,
		DownloadWorkers:     1,
		DebounceMin:         10 * time.Millisecond,
		DebounceMax:         50 * time.Millisecond,
		DriftInterval:       time.Hour,
		PollIntervalActive:  time.Minute,
		PollIntervalQuiet:   30 * time.Minute,
		ConflictGraceWindow: 30 * time.Second,
		ConflictPrefer:      "remote",
		PendingSoftLimit:    10000,
		TargetList:          "planner_sync",
	}
}

func testPlannerConfig() core.PlannerConfig {
	return core.PlannerConfig{
		DefaultPlanID:   "plan-1",
		DefaultBucketID: "bucket-1",
		UserIDMap:       map[string]string{"alice": "u-alice", "bob": "u-bob"},
	}
}

// fakeDocs is an in-memory DocClient. miniredis does not implement the
// RedisJSON command family, so document operations run against this instead;
// it understands exactly the path shapes the conscious store issues.
type fakeDocs struct {
	mu      gosync.Mutex
	lists   map[string]map[string][]adapter.AgentTask
	mirrors map[string]adapter.AgentTask
	events  []state.UpdateEvent
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		lists:   make(map[string]map[string][]adapter.AgentTask),
		mirrors: make(map[string]adapter.AgentTask),
	}
}

var (
	listPathRe    = regexp.MustCompile(`^\$\.task_lists\["(.+)"\]$`)
	indexPathRe   = regexp.MustCompile(`^\$\.task_lists\["(.+)"\]\[(\d+)\]$`)
	updatedPathRe = regexp.MustCompile(`^\$\.task_lists\["(.+)"\]\[(\d+)\]\.updated_at$`)
)

func convert(value interface{}, out interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeDocs) JSONGet(_ context.Context, key, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path != "$.task_lists" {
		return "", fmt.Errorf("unexpected get path %q", path)
	}
	lists, ok := f.lists[key]
	if !ok {
		return "", core.ErrTaskNotFound
	}
	raw, err := json.Marshal([]map[string][]adapter.AgentTask{lists})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (f *fakeDocs) JSONSet(_ context.Context, key, path string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if path == "$" {
		if strings.HasPrefix(key, state.KeyTaskPrefix) {
			var task adapter.AgentTask
			if err := convert(value, &task); err != nil {
				return err
			}
			f.mirrors[key] = task
			return nil
		}
		var doc struct {
			TaskLists map[string][]adapter.AgentTask `json:"task_lists"`
		}
		if err := convert(value, &doc); err != nil {
			return err
		}
		f.lists[key] = doc.TaskLists
		return nil
	}

	if m := listPathRe.FindStringSubmatch(path); m != nil {
		var tasks []adapter.AgentTask
		if err := convert(value, &tasks); err != nil {
			return err
		}
		if f.lists[key] == nil {
			f.lists[key] = make(map[string][]adapter.AgentTask)
		}
		f.lists[key][m[1]] = tasks
		return nil
	}

	if m := indexPathRe.FindStringSubmatch(path); m != nil {
		var task adapter.AgentTask
		if err := convert(value, &task); err != nil {
			return err
		}
		idx, _ := strconv.Atoi(m[2])
		list := f.lists[key][m[1]]
		if idx < 0 || idx >= len(list) {
			return fmt.Errorf("index %d out of range for %q", idx, m[1])
		}
		list[idx] = task
		return nil
	}

	if m := updatedPathRe.FindStringSubmatch(path); m != nil {
		var ts string
		if err := convert(value, &ts); err != nil {
			return err
		}
		idx, _ := strconv.Atoi(m[2])
		list := f.lists[key][m[1]]
		if idx < 0 || idx >= len(list) {
			return fmt.Errorf("index %d out of range for %q", idx, m[1])
		}
		list[idx].UpdatedAt = ts
		return nil
	}

	return fmt.Errorf("unexpected set path %q", path)
}

func (f *fakeDocs) JSONDel(_ context.Context, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if path == "$" {
		delete(f.mirrors, key)
		delete(f.lists, key)
		return nil
	}
	if m := indexPathRe.FindStringSubmatch(path); m != nil {
		idx, _ := strconv.Atoi(m[2])
		list := f.lists[key][m[1]]
		if idx < 0 || idx >= len(list) {
			return fmt.Errorf("index %d out of range for %q", idx, m[1])
		}
		f.lists[key][m[1]] = append(list[:idx:idx], list[idx+1:]...)
		return nil
	}
	return fmt.Errorf("unexpected del path %q", path)
}

func (f *fakeDocs) JSONArrAppend(_ context.Context, key, path string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := listPathRe.FindStringSubmatch(path)
	if m == nil {
		return fmt.Errorf("unexpected append path %q", path)
	}
	var task adapter.AgentTask
	if err := convert(value, &task); err != nil {
		return err
	}
	if f.lists[key] == nil {
		f.lists[key] = make(map[string][]adapter.AgentTask)
	}
	f.lists[key][m[1]] = append(f.lists[key][m[1]], task)
	return nil
}

func (f *fakeDocs) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for key := range f.lists {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (f *fakeDocs) Publish(_ context.Context, _ string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ev state.UpdateEvent
	if err := convert(payload, &ev); err != nil {
		return err
	}
	f.events = append(f.events, ev)
	return nil
}

// seed places a task into a document list directly, bypassing the store, the
// way an agent writing the conscious state would.
func (f *fakeDocs) seed(docKey, list string, task adapter.AgentTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lists[docKey] == nil {
		f.lists[docKey] = make(map[string][]adapter.AgentTask)
	}
	f.lists[docKey][list] = append(f.lists[docKey][list], task)
}

func (f *fakeDocs) task(docKey, list, id string) (adapter.AgentTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.lists[docKey][list] {
		if t.ID == id {
			return t, true
		}
	}
	return adapter.AgentTask{}, false
}

// fakeAPI is an in-memory TaskAPI with ETag semantics: every write bumps the
// task's ETag and conditional operations enforce If-Match.
type fakeAPI struct {
	mu      gosync.Mutex
	tasks   map[string]*planner.RemoteTask
	nextID  int
	etagSeq int

	createErr  error
	getErr     error
	updateErrs []error // popped per UpdateTask call, nil entries fall through

	creates int
	updates int
	deletes int
	gets    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tasks: make(map[string]*planner.RemoteTask)}
}

func (f *fakeAPI) newETag() string {
	f.etagSeq++
	return fmt.Sprintf(`W/"%d"`, f.etagSeq)
}

// put seeds a remote task, assigning an ETag, and returns the stored copy.
func (f *fakeAPI) put(task planner.RemoteTask) planner.RemoteTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ID == "" {
		f.nextID++
		task.ID = fmt.Sprintf("rem-%d", f.nextID)
	}
	if task.ETag == "" {
		task.ETag = f.newETag()
	}
	stored := task
	f.tasks[task.ID] = &stored
	return stored
}

func (f *fakeAPI) get(id string) (planner.RemoteTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return planner.RemoteTask{}, false
	}
	return *t, true
}

func (f *fakeAPI) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeAPI) GetTask(_ context.Context, id, ifNoneMatch string) (*planner.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.ErrRemoteGone
	}
	if ifNoneMatch != "" && ifNoneMatch == t.ETag {
		return nil, core.ErrNotModified
	}
	cp := *t
	return &cp, nil
}

func (f *fakeAPI) CreateTask(_ context.Context, task planner.RemoteTask) (*planner.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	task.ID = fmt.Sprintf("rem-%d", f.nextID)
	task.ETag = f.newETag()
	stored := task
	f.tasks[task.ID] = &stored
	cp := stored
	return &cp, nil
}

func (f *fakeAPI) UpdateTask(_ context.Context, id string, patch planner.TaskPatch, etag string) (*planner.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.ErrRemoteGone
	}
	if etag != t.ETag {
		return nil, core.ErrPreconditionFailed
	}
	applyPatch(t, patch)
	t.ETag = f.newETag()
	cp := *t
	return &cp, nil
}

func (f *fakeAPI) DeleteTask(_ context.Context, id, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	t, ok := f.tasks[id]
	if !ok {
		return core.ErrRemoteGone
	}
	if etag != t.ETag {
		return core.ErrPreconditionFailed
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeAPI) ListPlanTasks(_ context.Context, _ string) ([]planner.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]planner.RemoteTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, *t)
	}
	return out, nil
}

// pipeline bundles the stores and fakes most sync tests need.
type pipeline struct {
	mr        *miniredis.Miniredis
	rc        *core.RedisClient
	docs      *fakeDocs
	api       *fakeAPI
	conscious *state.ConsciousStore
	maps      *state.MappingStore
	queue     *state.OpQueue
	syncLog   *state.BoundedLog
	uploader  *Uploader
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	mr, rc := newTestRedis(t)
	docs := newFakeDocs()
	api := newFakeAPI()
	conscious := state.NewConsciousStore(docs, nil)
	maps := state.NewMappingStore(rc, nil)
	queue := state.NewOpQueue(rc, nil)
	syncLog := state.NewBoundedLog(rc, state.KeySyncLog, state.SyncLogMax)
	up := NewUploader(testSyncConfig(), testPlannerConfig(), api, conscious, maps, queue, syncLog, rc, nil, nil)
	return &pipeline{
		mr: mr, rc: rc, docs: docs, api: api,
		conscious: conscious, maps: maps, queue: queue, syncLog: syncLog,
		uploader: up,
	}
}

func agentTask(id, title string) adapter.AgentTask {
	return adapter.AgentTask{
		ID:       id,
		Title:    title,
		Status:   adapter.StatusNotStarted,
		Priority: adapter.PriorityNormal,
	}
}
