package mpe

import "errors"

// ErrUnknownAction is returned for action tags outside the fixed set.
var ErrUnknownAction = errors.New("mpe: unknown authorization action")

// Action is the tag signed in a training-service authorization.
type Action string

const (
	ActionUnified             Action = "unified"
	ActionCreateModel         Action = "create_model"
	ActionGetModel            Action = "get_model"
	ActionGetAllModels        Action = "get_all_models"
	ActionUpdateModel         Action = "update_model"
	ActionDeleteModel         Action = "delete_model"
	ActionTrainModel          Action = "train_model"
	ActionValidateModel       Action = "validate_model"
	ActionGetTrainingMetadata Action = "get_training_metadata"
	ActionGetMethodMetadata   Action = "get_method_metadata"
)

var actions = map[Action]bool{
	ActionUnified:             true,
	ActionCreateModel:         false,
	ActionGetModel:            true,
	ActionGetAllModels:        true,
	ActionUpdateModel:         false,
	ActionDeleteModel:         false,
	ActionTrainModel:          false,
	ActionValidateModel:       false,
	ActionGetTrainingMetadata: true,
	ActionGetMethodMetadata:   true,
}

// Valid reports whether a is one of the known tags.
func (a Action) Valid() bool {
	_, ok := actions[a]
	return ok
}

// ReadOnly reports whether the action is idempotent and may be served by a
// reusable authorization.
func (a Action) ReadOnly() bool {
	return actions[a]
}

func (a Action) String() string { return string(a) }
