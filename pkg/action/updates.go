package action

import "github.com/cuemby/keel/pkg/model"

// The updates below all target meta.ID and leave the root untouched when that
// id is no longer in the tree.

// UpdateEntity replaces the holder meta.ID with fn's result
func UpdateEntity(meta UpdateMeta, fn func(holder *model.EntityHolder) *model.EntityHolder) ModelUpdateAction {
	return NewModelUpdateAction(meta, func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
		holder, ok := root.FindByID(meta.ID)
		if !ok {
			return root, nil
		}
		updated := fn(holder)
		if updated == nil || updated == holder {
			return root, nil
		}
		newRoot, _ := root.ReplaceByID(updated)
		return newRoot, updated
	})
}

// SetEntity stores entity as the domain value of holder meta.ID
func SetEntity(meta UpdateMeta, entity any) ModelUpdateAction {
	return UpdateEntity(meta, func(holder *model.EntityHolder) *model.EntityHolder {
		return holder.WithEntity(entity)
	})
}

// SetAttribute stores value under key on holder meta.ID
func SetAttribute(meta UpdateMeta, key string, value any) ModelUpdateAction {
	return UpdateEntity(meta, func(holder *model.EntityHolder) *model.EntityHolder {
		return holder.AddAttribute(key, value)
	})
}

// RemoveEntity removes holder meta.ID from the tree. The changed subtree is
// the removed holder.
func RemoveEntity(meta UpdateMeta) ModelUpdateAction {
	return NewModelUpdateAction(meta, func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
		newRoot, removed := root.RemoveByID(meta.ID)
		if removed == nil {
			return root, nil
		}
		return newRoot, removed
	})
}

// AddChild adds child under holder meta.ID, replacing a child with the same id
func AddChild(meta UpdateMeta, child *model.EntityHolder) ModelUpdateAction {
	return UpdateEntity(meta, func(holder *model.EntityHolder) *model.EntityHolder {
		return holder.WithChild(child)
	})
}
