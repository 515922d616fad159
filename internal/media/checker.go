package media

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinicchat/internal/common"
)

// Checker decides whether an attachment reference may be stored on a message
type Checker interface {
	Check(ctx context.Context, ref string) error
}

// FormatChecker only enforces the reference syntax; used when MongoDB is off
type FormatChecker struct{}

func (FormatChecker) Check(_ context.Context, ref string) error {
	return common.ValidateAttachmentRef(ref)
}

type fileCounter interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// GridFSChecker requires the reference to be the hex ObjectID of a stored file
type GridFSChecker struct {
	files fileCounter
}

func NewGridFSChecker(mc *MongoClient) *GridFSChecker {
	return &GridFSChecker{files: mc.GridFS.GetFilesCollection()}
}

func (g *GridFSChecker) Check(ctx context.Context, ref string) error {
	if err := common.ValidateAttachmentRef(ref); err != nil {
		return err
	}
	objectID, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return common.Validation("check attachment", "attachment reference is not a file id")
	}

	n, err := g.files.CountDocuments(ctx, bson.M{"_id": objectID}, options.Count().SetLimit(1))
	if err != nil {
		return common.Persistence("check attachment", err)
	}
	if n == 0 {
		return common.NotFound("check attachment", "attachment %s does not exist", ref)
	}
	return nil
}
