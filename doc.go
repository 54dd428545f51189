// Package sqlbind is a small named-parameter layer over database/sql built around reusable sessions. A Session turns a :name template and bound values into dialect placeholders and a prepared statement, keeps reusing that statement across rebind/execute cycles until the placeholder layout changes, expands IN (:ids) lists automatically, and hands query results back as lazily mapped row sequences with deterministic release. It never opens or closes connections and adds no locking of its own.
package sqlbind
