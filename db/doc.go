/*
Package db is a content-addressable deduplicating store able to hold
data streams of arbitrary size, arranged as Merkle trees.

Vocabulary:

- abspath: absolute path on disk, including subdirs
- relpath: path relative to db.Dir, including subdirs
- canpath: canonical path; relpath without subdirs
- hash: cryptographic hash of a block or tree, header included
- algo: name of the hash algorithm, sha256 or sha512
- subdir: three-character hexadecimal segment of hash; the number of
  subdirs is fixed at database creation
- block: chunk of data; deduplication atom; stored as a file
- tree: list of zero or more blocks or trees; stored as a file
  containing their canpaths
- rootnode: the top-level tree for a stream
- stream: a symlink named after a label, pointing at a rootnode
- address: algo/hash; universally unique for the data at a path

Every file starts with a class header line ("block" or "tree") that is
hashed along with the body, so a block can never be mistaken for a tree
with the same bytes.
*/
package db
