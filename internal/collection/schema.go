package collection

// Schema for collection.anki2, version 11. This is the layout every Anki
// client since 2.0 understands: one singleton row in col carrying the
// counters and the JSON-encoded models/decks/dconf/tags, plus the four
// entity tables the incremental sync protocol streams.
const schemaVersion = 11

const schemaSQL = `
CREATE TABLE col (
	id     INTEGER PRIMARY KEY,
	crt    INTEGER NOT NULL,
	mod    INTEGER NOT NULL,
	scm    INTEGER NOT NULL,
	ver    INTEGER NOT NULL,
	dty    INTEGER NOT NULL,
	usn    INTEGER NOT NULL,
	ls     INTEGER NOT NULL,
	conf   TEXT NOT NULL,
	models TEXT NOT NULL,
	decks  TEXT NOT NULL,
	dconf  TEXT NOT NULL,
	tags   TEXT NOT NULL
);
CREATE TABLE notes (
	id    INTEGER PRIMARY KEY,
	guid  TEXT NOT NULL,
	mid   INTEGER NOT NULL,
	mod   INTEGER NOT NULL,
	usn   INTEGER NOT NULL,
	tags  TEXT NOT NULL,
	flds  TEXT NOT NULL,
	sfld  INTEGER NOT NULL,
	csum  INTEGER NOT NULL,
	flags INTEGER NOT NULL,
	data  TEXT NOT NULL
);
CREATE TABLE cards (
	id     INTEGER PRIMARY KEY,
	nid    INTEGER NOT NULL,
	did    INTEGER NOT NULL,
	ord    INTEGER NOT NULL,
	mod    INTEGER NOT NULL,
	usn    INTEGER NOT NULL,
	type   INTEGER NOT NULL,
	queue  INTEGER NOT NULL,
	due    INTEGER NOT NULL,
	ivl    INTEGER NOT NULL,
	factor INTEGER NOT NULL,
	reps   INTEGER NOT NULL,
	lapses INTEGER NOT NULL,
	left   INTEGER NOT NULL,
	odue   INTEGER NOT NULL,
	odid   INTEGER NOT NULL,
	flags  INTEGER NOT NULL,
	data   TEXT NOT NULL
);
CREATE TABLE revlog (
	id      INTEGER PRIMARY KEY,
	cid     INTEGER NOT NULL,
	usn     INTEGER NOT NULL,
	ease    INTEGER NOT NULL,
	ivl     INTEGER NOT NULL,
	lastIvl INTEGER NOT NULL,
	factor  INTEGER NOT NULL,
	time    INTEGER NOT NULL,
	type    INTEGER NOT NULL
);
CREATE TABLE graves (
	usn  INTEGER NOT NULL,
	oid  INTEGER NOT NULL,
	type INTEGER NOT NULL
);
CREATE INDEX ix_notes_usn ON notes (usn);
CREATE INDEX ix_cards_usn ON cards (usn);
CREATE INDEX ix_revlog_usn ON revlog (usn);
CREATE INDEX ix_cards_nid ON cards (nid);
CREATE INDEX ix_cards_sched ON cards (did, queue, due);
CREATE INDEX ix_revlog_cid ON revlog (cid);
CREATE INDEX ix_notes_csum ON notes (csum);
`

// Grave types, shared with every client.
const (
	remCard = 0
	remNote = 1
	remDeck = 2
)

// defaultConf is the col.conf blob of a brand-new collection.
const defaultConf = `{
	"nextPos": 1,
	"estTimes": true,
	"activeDecks": [1],
	"sortType": "noteFld",
	"timeLim": 0,
	"sortBackwards": false,
	"addToCur": true,
	"curDeck": 1,
	"newBury": true,
	"newSpread": 0,
	"dueCounts": true,
	"curModel": null,
	"collapseTime": 1200
}`

// defaultDeck is the Default deck (id 1) present in every collection.
const defaultDeck = `{
	"1": {
		"id": 1,
		"name": "Default",
		"mod": 0,
		"usn": 0,
		"lrnToday": [0, 0],
		"revToday": [0, 0],
		"newToday": [0, 0],
		"timeToday": [0, 0],
		"collapsed": false,
		"browserCollapsed": false,
		"desc": "",
		"dyn": 0,
		"conf": 1,
		"extendNew": 10,
		"extendRev": 50
	}
}`

// defaultDConf is the default deck options group (id 1).
const defaultDConf = `{
	"1": {
		"id": 1,
		"name": "Default",
		"mod": 0,
		"usn": 0,
		"maxTaken": 60,
		"autoplay": true,
		"timer": 0,
		"replayq": true,
		"dyn": false,
		"new": {
			"bury": true,
			"delays": [1, 10],
			"initialFactor": 2500,
			"ints": [1, 4, 7],
			"order": 1,
			"perDay": 20,
			"separate": true
		},
		"rev": {
			"bury": true,
			"ease4": 1.3,
			"fuzz": 0.05,
			"ivlFct": 1,
			"maxIvl": 36500,
			"minSpace": 1,
			"perDay": 100
		},
		"lapse": {
			"delays": [10],
			"leechAction": 0,
			"leechFails": 8,
			"minInt": 1,
			"mult": 0
		}
	}
}`
