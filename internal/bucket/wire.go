package bucket

import (
	"sort"
	"strconv"
	"strings"
)

// Wire encoding. Every limit packed into a composite record contributes six
// name-prefixed numeric attributes; the record carries one shared refill
// timestamp. The packing stays behind the store adapter boundary: engine
// callers only ever see Record.
const (
	delim          = "#"
	bucketSKPrefix = "r" + delim

	AttrPK            = "pk"
	AttrSK            = "sk"
	AttrResourceIndex = "g1pk"
	AttrLastRefill    = "rt"
	AttrCascade       = "casc"
	AttrParent        = "parent"
	AttrExpiry        = "exp"

	limitAttrPrefix     = "b_"
	fieldTokens         = "t"
	fieldTotalConsumed  = "tc"
	fieldCapacity       = "c"
	fieldBurst          = "b"
	fieldRefillAmount   = "ra"
	fieldRefillPeriodMs = "rp"
)

// TokensAttr returns the packed attribute name for a limit's token level.
func TokensAttr(name string) string { return limitAttrPrefix + name + "_" + fieldTokens }

// TotalConsumedAttr returns the packed attribute name for a limit's
// monotonic consumption counter.
func TotalConsumedAttr(name string) string { return limitAttrPrefix + name + "_" + fieldTotalConsumed }

// Image is a flattened attribute map of one store item, numbers rendered as
// decimal strings the way a change-stream delivers them.
type Image map[string]string

// Int parses a numeric attribute.
func (im Image) Int(key string) (int64, bool) {
	raw, ok := im[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ChangeEvent is one change-stream entry: before and after images of a
// single item.
type ChangeEvent struct {
	EventName string
	Old       Image
	New       Image
}

// EncodeImage flattens a record into its packed wire form.
func EncodeImage(r Record) Image {
	im := Image{
		AttrPK:            r.Key.PK(),
		AttrSK:            r.Key.SK(),
		AttrResourceIndex: r.Key.ResourceIndexKey(),
		AttrLastRefill:    strconv.FormatInt(r.LastRefillMs, 10),
	}
	if r.Cascade {
		im[AttrCascade] = "true"
	}
	if r.ParentID != "" {
		im[AttrParent] = r.ParentID
	}
	if r.ExpiresAtUnix > 0 {
		im[AttrExpiry] = strconv.FormatInt(r.ExpiresAtUnix, 10)
	}
	for _, ls := range r.Limits {
		base := limitAttrPrefix + ls.Name + "_"
		im[base+fieldTokens] = strconv.FormatInt(ls.TokensMilli, 10)
		im[base+fieldTotalConsumed] = strconv.FormatInt(ls.TotalConsumedMilli, 10)
		im[base+fieldCapacity] = strconv.FormatInt(ls.CapacityMilli, 10)
		im[base+fieldBurst] = strconv.FormatInt(ls.BurstMilli, 10)
		im[base+fieldRefillAmount] = strconv.FormatInt(ls.RefillAmountMilli, 10)
		im[base+fieldRefillPeriodMs] = strconv.FormatInt(ls.RefillPeriodMs, 10)
	}
	return im
}

// DecodeImage unpacks a wire image. ok is false for items that are not
// bucket records.
func DecodeImage(im Image) (Record, bool) {
	key, ok := parseKeys(im[AttrPK], im[AttrSK])
	if !ok {
		return Record{}, false
	}
	rec := Record{Key: key}
	rec.LastRefillMs, _ = im.Int(AttrLastRefill)
	rec.Cascade = im[AttrCascade] == "true"
	rec.ParentID = im[AttrParent]
	rec.ExpiresAtUnix, _ = im.Int(AttrExpiry)
	for _, name := range LimitNames(im) {
		base := limitAttrPrefix + name + "_"
		ls := LimitState{Name: name}
		ls.TokensMilli, _ = im.Int(base + fieldTokens)
		ls.TotalConsumedMilli, _ = im.Int(base + fieldTotalConsumed)
		ls.CapacityMilli, _ = im.Int(base + fieldCapacity)
		ls.BurstMilli, _ = im.Int(base + fieldBurst)
		ls.RefillAmountMilli, _ = im.Int(base + fieldRefillAmount)
		ls.RefillPeriodMs, _ = im.Int(base + fieldRefillPeriodMs)
		rec.Limits = append(rec.Limits, ls)
	}
	return rec, true
}

// LimitNames lists the limit names packed into an image, sorted. The field
// suffix never contains an underscore, so the name is everything between
// the prefix and the last underscore.
func LimitNames(im Image) []string {
	seen := map[string]bool{}
	var names []string
	for attr := range im {
		if !strings.HasPrefix(attr, limitAttrPrefix) {
			continue
		}
		rest := attr[len(limitAttrPrefix):]
		cut := strings.LastIndexByte(rest, '_')
		if cut <= 0 {
			continue
		}
		name := rest[:cut]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsBucketImage reports whether an image belongs to a composite bucket
// record.
func IsBucketImage(im Image) bool {
	_, ok := parseKeys(im[AttrPK], im[AttrSK])
	return ok
}

func parseKeys(pk, sk string) (Key, bool) {
	if !strings.HasPrefix(sk, bucketSKPrefix) {
		return Key{}, false
	}
	parts := strings.SplitN(pk, delim, 3)
	if len(parts) != 3 || parts[0] != "e" {
		return Key{}, false
	}
	return Key{
		Namespace: parts[1],
		EntityID:  parts[2],
		Resource:  sk[len(bucketSKPrefix):],
	}, true
}
