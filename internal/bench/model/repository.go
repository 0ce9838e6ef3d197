package model

import (
	"context"
	"errors"
	"time"

	"github.com/twitchtv/twirp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	runCollection    = "runs"
	unitCollection   = "run_units"
	threadCollection = "thread_results"
)

const tracerName = "github.com/acai-travel/agent-bench/internal/bench/model"

type Repository struct {
	conn *mongo.Database
}

func New(conn *mongo.Database) *Repository {
	return &Repository{
		conn: conn,
	}
}

// EnsureIndexes creates the indexes the state machine relies on, most
// importantly the unique thread-result index that deduplicates webhooks.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.conn.Collection(unitCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "test_case_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	_, err = r.conn.Collection(threadCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "test_case_id", Value: 1},
			{Key: "thread_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *Repository) InsertRun(ctx context.Context, run *Run) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.InsertRun")
	span.SetAttributes(attribute.String("run.id", run.ID.Hex()))
	defer span.End()

	_, err := r.conn.Collection(runCollection).InsertOne(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert run")
		return err
	}

	span.SetStatus(codes.Ok, "run inserted")
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id primitive.ObjectID) (*Run, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.GetRun")
	span.SetAttributes(attribute.String("run.id", id.Hex()))
	defer span.End()

	var run Run
	err := r.conn.Collection(runCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		span.SetStatus(codes.Error, "run not found")
		return nil, twirp.NotFoundError("run not found")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database error")
		return nil, err
	}

	span.SetStatus(codes.Ok, "run found")
	return &run, nil
}

func (r *Repository) UpdateRunStatus(ctx context.Context, id primitive.ObjectID, status RunStatus) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.UpdateRunStatus")
	span.SetAttributes(
		attribute.String("run.id", id.Hex()),
		attribute.String("run.status", string(status)),
	)
	defer span.End()

	res, err := r.conn.Collection(runCollection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update run status")
		return err
	}

	if res.MatchedCount == 0 {
		span.SetStatus(codes.Error, "run not found")
		return twirp.NotFoundError("run not found")
	}

	span.SetStatus(codes.Ok, "run status updated")
	return nil
}

func (r *Repository) UpdateRunMetrics(ctx context.Context, id primitive.ObjectID, metrics RunMetrics) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.UpdateRunMetrics")
	span.SetAttributes(attribute.String("run.id", id.Hex()))
	defer span.End()

	_, err := r.conn.Collection(runCollection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"metrics": metrics, "updated_at": time.Now()}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update run metrics")
		return err
	}

	span.SetStatus(codes.Ok, "run metrics updated")
	return nil
}

func (r *Repository) ListActiveRuns(ctx context.Context) ([]*Run, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.ListActiveRuns")
	defer span.End()

	cursor, err := r.conn.Collection(runCollection).Find(ctx,
		bson.M{"status": bson.M{"$in": []RunStatus{RunPending, RunRunning}}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query runs")
		return nil, err
	}

	items, err := decodeAll[Run](ctx, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode runs")
		return nil, err
	}

	span.SetAttributes(attribute.Int("runs.count", len(items)))
	span.SetStatus(codes.Ok, "runs listed")
	return items, nil
}

func (r *Repository) DeleteRun(ctx context.Context, id primitive.ObjectID) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.DeleteRun")
	span.SetAttributes(attribute.String("run.id", id.Hex()))
	defer span.End()

	if _, err := r.conn.Collection(threadCollection).DeleteMany(ctx, bson.M{"run_id": id}); err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := r.conn.Collection(unitCollection).DeleteMany(ctx, bson.M{"run_id": id}); err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := r.conn.Collection(runCollection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetStatus(codes.Ok, "run deleted")
	return nil
}

func (r *Repository) InsertUnits(ctx context.Context, units []*RunUnit) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.InsertUnits")
	span.SetAttributes(attribute.Int("units.count", len(units)))
	defer span.End()

	docs := make([]any, 0, len(units))
	for _, u := range units {
		docs = append(docs, u)
	}

	_, err := r.conn.Collection(unitCollection).InsertMany(ctx, docs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert units")
		return err
	}

	span.SetStatus(codes.Ok, "units inserted")
	return nil
}

func (r *Repository) ListUnits(ctx context.Context, runID primitive.ObjectID) ([]*RunUnit, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.ListUnits")
	span.SetAttributes(attribute.String("run.id", runID.Hex()))
	defer span.End()

	cursor, err := r.conn.Collection(unitCollection).Find(ctx,
		bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "test_case_id", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query units")
		return nil, err
	}

	items, err := decodeAll[RunUnit](ctx, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode units")
		return nil, err
	}

	span.SetAttributes(attribute.Int("units.count", len(items)))
	span.SetStatus(codes.Ok, "units listed")
	return items, nil
}

func (r *Repository) GetUnit(ctx context.Context, runID primitive.ObjectID, testCaseID string) (*RunUnit, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.GetUnit")
	span.SetAttributes(
		attribute.String("run.id", runID.Hex()),
		attribute.String("unit.test_case_id", testCaseID),
	)
	defer span.End()

	var unit RunUnit
	err := r.conn.Collection(unitCollection).
		FindOne(ctx, bson.M{"run_id": runID, "test_case_id": testCaseID}).
		Decode(&unit)
	if errors.Is(err, mongo.ErrNoDocuments) {
		span.SetStatus(codes.Error, "unit not found")
		return nil, twirp.NotFoundError("run unit not found")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database error")
		return nil, err
	}

	span.SetStatus(codes.Ok, "unit found")
	return &unit, nil
}

func (r *Repository) DeleteUnits(ctx context.Context, runID primitive.ObjectID, testCaseIDs []string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.DeleteUnits")
	span.SetAttributes(
		attribute.String("run.id", runID.Hex()),
		attribute.Int("units.count", len(testCaseIDs)),
	)
	defer span.End()

	_, err := r.conn.Collection(unitCollection).DeleteMany(ctx,
		bson.M{"run_id": runID, "test_case_id": bson.M{"$in": testCaseIDs}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete units")
		return err
	}

	span.SetStatus(codes.Ok, "units deleted")
	return nil
}

// TransitionUnit applies the update only while the unit is still in one
// of the from statuses. The conditional filter makes the write atomic at
// the document level, which is the terminal-state guard the state
// machine depends on.
func (r *Repository) TransitionUnit(ctx context.Context, unitID primitive.ObjectID, from []UnitStatus, upd UnitUpdate) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.TransitionUnit")
	span.SetAttributes(
		attribute.String("unit.id", unitID.Hex()),
		attribute.String("unit.next_status", string(upd.Status)),
	)
	defer span.End()

	set := bson.M{"status": upd.Status, "updated_at": time.Now()}
	if upd.TopicID != nil {
		set["topic_id"] = *upd.TopicID
	}
	if upd.Operations != nil {
		set["operations"] = upd.Operations
	}
	if upd.Passed != nil {
		set["passed"] = *upd.Passed
	}
	if upd.Score != nil {
		set["score"] = *upd.Score
	}
	if upd.Reason != nil {
		set["reason"] = *upd.Reason
	}
	if upd.RubricResults != nil {
		set["rubric_results"] = upd.RubricResults
	}
	if upd.Telemetry != nil {
		set["telemetry"] = *upd.Telemetry
	}
	if upd.Totals != nil {
		set["totals"] = *upd.Totals
	}
	if upd.Threads != nil {
		set["threads"] = upd.Threads
	}
	if upd.PassAtK != nil {
		set["pass_at_k"] = *upd.PassAtK
	}
	if upd.PassAllK != nil {
		set["pass_all_k"] = *upd.PassAllK
	}

	res, err := r.conn.Collection(unitCollection).UpdateOne(ctx,
		bson.M{"_id": unitID, "status": bson.M{"$in": from}},
		bson.M{"$set": set})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to transition unit")
		return false, err
	}

	applied := res.MatchedCount > 0
	span.SetAttributes(attribute.Bool("unit.transition_applied", applied))
	span.SetStatus(codes.Ok, "unit transition attempted")
	return applied, nil
}

func (r *Repository) InsertThreadResult(ctx context.Context, tr *ThreadResult) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.InsertThreadResult")
	span.SetAttributes(
		attribute.String("run.id", tr.RunID.Hex()),
		attribute.String("thread.id", tr.ThreadID),
	)
	defer span.End()

	_, err := r.conn.Collection(threadCollection).InsertOne(ctx, tr)
	if mongo.IsDuplicateKeyError(err) {
		span.SetStatus(codes.Error, "duplicate thread result")
		return ErrDuplicateThread
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert thread result")
		return err
	}

	span.SetStatus(codes.Ok, "thread result inserted")
	return nil
}

func (r *Repository) ListThreadResults(ctx context.Context, runID primitive.ObjectID, testCaseID string) ([]*ThreadResult, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.ListThreadResults")
	span.SetAttributes(
		attribute.String("run.id", runID.Hex()),
		attribute.String("unit.test_case_id", testCaseID),
	)
	defer span.End()

	cursor, err := r.conn.Collection(threadCollection).Find(ctx,
		bson.M{"run_id": runID, "test_case_id": testCaseID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query thread results")
		return nil, err
	}

	items, err := decodeAll[ThreadResult](ctx, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode thread results")
		return nil, err
	}

	span.SetAttributes(attribute.Int("threads.count", len(items)))
	span.SetStatus(codes.Ok, "thread results listed")
	return items, nil
}

func (r *Repository) DeleteThreadResults(ctx context.Context, runID primitive.ObjectID, testCaseIDs []string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.DeleteThreadResults")
	span.SetAttributes(attribute.String("run.id", runID.Hex()))
	defer span.End()

	filter := bson.M{"run_id": runID}
	if len(testCaseIDs) > 0 {
		filter["test_case_id"] = bson.M{"$in": testCaseIDs}
	}

	_, err := r.conn.Collection(threadCollection).DeleteMany(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete thread results")
		return err
	}

	span.SetStatus(codes.Ok, "thread results deleted")
	return nil
}

// BumpThreadsDone atomically increments the completed-thread counter and
// returns the new value; the k-th caller owns the aggregation.
func (r *Repository) BumpThreadsDone(ctx context.Context, unitID primitive.ObjectID) (int, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Repository.BumpThreadsDone")
	span.SetAttributes(attribute.String("unit.id", unitID.Hex()))
	defer span.End()

	var unit RunUnit
	err := r.conn.Collection(unitCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": unitID},
		bson.M{"$inc": bson.M{"threads_done": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&unit)
	if errors.Is(err, mongo.ErrNoDocuments) {
		span.SetStatus(codes.Error, "unit not found")
		return 0, twirp.NotFoundError("run unit not found")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to bump thread counter")
		return 0, err
	}

	span.SetAttributes(attribute.Int("unit.threads_done", unit.ThreadsDone))
	span.SetStatus(codes.Ok, "thread counter bumped")
	return unit.ThreadsDone, nil
}

func decodeAll[T any](ctx context.Context, cursor *mongo.Cursor) ([]*T, error) {
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var items []*T
	for cursor.Next(ctx) {
		var item T
		if err := cursor.Decode(&item); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}

	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
