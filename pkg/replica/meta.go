package replica

import (
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/metadata"
)

// SetMetaString sets a string metadata key
func (d *Document) SetMetaString(key, value string) ([]byte, error) {
	return d.setScalar(key, metadata.String(value))
}

// SetMetaInt sets an integer metadata key
func (d *Document) SetMetaInt(key string, value int64) ([]byte, error) {
	return d.setScalar(key, metadata.Int(value))
}

// SetMetaFloat sets a float metadata key
func (d *Document) SetMetaFloat(key string, value float64) ([]byte, error) {
	return d.setScalar(key, metadata.Float(value))
}

// SetMetaBool sets a boolean metadata key
func (d *Document) SetMetaBool(key string, value bool) ([]byte, error) {
	return d.setScalar(key, metadata.Bool(value))
}

func (d *Document) setScalar(key string, v metadata.Value) ([]byte, error) {
	return d.mutate("set_meta", func(txn *crdt.Txn) error {
		return d.meta.SetScalar(txn, key, v)
	})
}

// RemoveMetaKey removes a metadata key. The diff is empty when the key was
// absent.
func (d *Document) RemoveMetaKey(key string) ([]byte, error) {
	return d.mutate("remove_meta_key", func(txn *crdt.Txn) error {
		d.meta.RemoveKey(txn, key)
		return nil
	})
}

// SetMetaStringArray replaces key with a string array
func (d *Document) SetMetaStringArray(key string, values []string) ([]byte, error) {
	return d.mutate("set_meta_array", func(txn *crdt.Txn) error {
		d.meta.SetArray(txn, key, values)
		return nil
	})
}

// PushMetaArrayItem appends value to the array at key unless present
func (d *Document) PushMetaArrayItem(key, value string) ([]byte, error) {
	return d.mutate("push_meta_array_item", func(txn *crdt.Txn) error {
		_, err := d.meta.PushArrayItem(txn, key, value)
		return err
	})
}

// RemoveMetaArrayItem removes the first occurrence of value from key
func (d *Document) RemoveMetaArrayItem(key, value string) ([]byte, error) {
	return d.mutate("remove_meta_array_item", func(txn *crdt.Txn) error {
		_, err := d.meta.RemoveArrayItem(txn, key, value)
		return err
	})
}

// SetMetaFromJSON applies a JSON object to the metadata, key by key
func (d *Document) SetMetaFromJSON(data []byte) ([]byte, error) {
	return d.mutate("set_meta_from_json", func(txn *crdt.Txn) error {
		return d.meta.SetFromJSON(txn, data)
	})
}

// GetAllMeta returns every metadata entry in replicated key order
func (d *Document) GetAllMeta() metadata.Entries {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta.GetAll(d.doc.Read())
}

// GetAllMetaJSON renders the metadata as a JSON object
func (d *Document) GetAllMetaJSON() ([]byte, error) {
	return d.GetAllMeta().MarshalJSON()
}
